package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sydlexius/shopmon/internal/api/middleware"
	"github.com/sydlexius/shopmon/internal/scrape"
	"github.com/sydlexius/shopmon/internal/shop"
	"github.com/sydlexius/shopmon/internal/shopware"
)

const defaultChangelogLimit = 50

// shopError maps service errors to a response.
func (r *Router) shopError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, shop.ErrNotFound):
		writeError(w, http.StatusNotFound, "shop not found")
	case errors.Is(err, shop.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) handleListShops(w http.ResponseWriter, req *http.Request) {
	shops, err := r.shopService.ListAll(req.Context())
	if err != nil {
		r.shopError(w, err, "listing shops")
		return
	}
	if shops == nil {
		shops = []shop.Shop{}
	}
	writeJSON(w, http.StatusOK, shops)
}

func (r *Router) handleGetShop(w http.ResponseWriter, req *http.Request) {
	sh, err := r.shopService.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

type shopBody struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"` //nolint:gosec // G117: request field, not a hardcoded secret
}

// handleCreateShop registers a shop and subscribes the creator to it.
// POST /api/v1/shops
func (r *Router) handleCreateShop(w http.ResponseWriter, req *http.Request) {
	var body shopBody
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sh := &shop.Shop{
		Name:         body.Name,
		URL:          body.URL,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
	}
	if err := r.shopService.Create(req.Context(), sh); err != nil {
		r.shopError(w, err, "creating shop")
		return
	}

	userID := middleware.UserIDFromContext(req.Context())
	if err := r.notificationService.Subscribe(req.Context(), sh.ID, userID); err != nil {
		r.logger.Warn("subscribing shop creator", "shop_id", sh.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, sh)
}

// handleUpdateShop changes name, URL or credentials. Empty fields keep the
// stored value.
// PUT /api/v1/shops/{id}
func (r *Router) handleUpdateShop(w http.ResponseWriter, req *http.Request) {
	existing, err := r.shopService.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.shopError(w, err, "getting shop")
		return
	}

	var body shopBody
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.URL != "" {
		existing.URL = body.URL
	}
	if body.ClientID != "" {
		existing.ClientID = body.ClientID
	}
	existing.ClientSecret = body.ClientSecret

	if err := r.shopService.Update(req.Context(), existing); err != nil {
		r.shopError(w, err, "updating shop")
		return
	}

	updated, err := r.shopService.Get(req.Context(), existing.ID)
	if err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleDeleteShop(w http.ResponseWriter, req *http.Request) {
	if err := r.shopService.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.shopError(w, err, "deleting shop")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleRefreshShop runs one scrape cycle immediately.
// POST /api/v1/shops/{id}/refresh
func (r *Router) handleRefreshShop(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	outcome, err := r.scheduler.RunOne(req.Context(), id)
	if err != nil {
		r.shopError(w, err, "refreshing shop")
		return
	}

	status := http.StatusOK
	switch outcome {
	case scrape.OutcomeLocked:
		status = http.StatusConflict
	case scrape.OutcomeSkipped:
		status = http.StatusUnprocessableEntity
	}

	sh, err := r.shopService.Get(req.Context(), id)
	if err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	writeJSON(w, status, map[string]any{"outcome": outcome, "shop": sh})
}

// handleResetConnection clears the connection issue counter so scheduled
// scrapes pick the shop up again.
// POST /api/v1/shops/{id}/reset-connection
func (r *Router) handleResetConnection(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.shopService.Get(req.Context(), id); err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	if err := r.shopService.ResetConnectionIssues(req.Context(), id); err != nil {
		r.shopError(w, err, "resetting connection issues")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (r *Router) handleGetSnapshot(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.shopService.Get(req.Context(), id); err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	snap, err := r.snapshotStore.Load(req.Context(), id)
	if err != nil {
		r.shopError(w, err, "loading snapshot")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "shop has not been scraped yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleListChangelogs returns the newest changelogs first.
// GET /api/v1/shops/{id}/changelogs?limit=N
func (r *Router) handleListChangelogs(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := defaultChangelogLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	if _, err := r.shopService.Get(req.Context(), id); err != nil {
		r.shopError(w, err, "getting shop")
		return
	}

	logs, err := r.shopService.ListChangelogs(req.Context(), id, limit)
	if err != nil {
		r.shopError(w, err, "listing changelogs")
		return
	}
	if logs == nil {
		logs = []shop.Changelog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleSetIgnores replaces the finding IDs excluded from the shop status.
// PUT /api/v1/shops/{id}/ignores
func (r *Router) handleSetIgnores(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Ignores []string `json:"ignores"`
	}
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Ignores == nil {
		body.Ignores = []string{}
	}

	id := req.PathValue("id")
	if err := r.shopService.SetIgnores(req.Context(), id, body.Ignores); err != nil {
		r.shopError(w, err, "setting ignores")
		return
	}
	sh, err := r.shopService.Get(req.Context(), id)
	if err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

// POST /api/v1/shops/{id}/tasks/{taskId}/reschedule
func (r *Router) handleRescheduleTask(w http.ResponseWriter, req *http.Request) {
	taskID := req.PathValue("taskId")
	r.runShopAction(w, req, "rescheduling task", func(ctx context.Context, c ShopActions) error {
		return c.RescheduleTask(ctx, taskID)
	})
}

// POST /api/v1/shops/{id}/cache/clear
func (r *Router) handleClearCache(w http.ResponseWriter, req *http.Request) {
	r.runShopAction(w, req, "clearing cache", func(ctx context.Context, c ShopActions) error {
		return c.ClearCache(ctx)
	})
}

func (r *Router) runShopAction(w http.ResponseWriter, req *http.Request, action string, fn func(context.Context, ShopActions) error) {
	sh, err := r.shopService.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	secret, err := r.shopService.ClientSecret(sh)
	if err != nil {
		r.shopError(w, err, "decrypting shop secret")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()
	if err := fn(ctx, r.newShopActions(sh.URL, sh.ClientID, secret)); err != nil {
		r.logger.Warn(action, "shop_id", sh.ID, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, shopware.ErrAuthentication) {
			status = http.StatusFailedDependency
		}
		writeError(w, status, action+" failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

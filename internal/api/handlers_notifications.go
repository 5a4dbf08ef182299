package api

import (
	"errors"
	"net/http"

	"github.com/sydlexius/shopmon/internal/api/middleware"
	"github.com/sydlexius/shopmon/internal/notification"
)

// GET /api/v1/notifications?unread=true
func (r *Router) handleListNotifications(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	unreadOnly := req.URL.Query().Get("unread") == "true"

	items, err := r.notificationService.List(req.Context(), userID, unreadOnly)
	if err != nil {
		r.logger.Error("listing notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []notification.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleMarkRead(w http.ResponseWriter, req *http.Request) {
	r.markRead(w, req, req.PathValue("id"))
}

func (r *Router) handleMarkAllRead(w http.ResponseWriter, req *http.Request) {
	r.markRead(w, req, "")
}

func (r *Router) markRead(w http.ResponseWriter, req *http.Request, id string) {
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.notificationService.MarkRead(req.Context(), userID, id); err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		r.logger.Error("marking notification read", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (r *Router) handleDeleteNotification(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.notificationService.Delete(req.Context(), userID, req.PathValue("id")); err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		r.logger.Error("deleting notification", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSubscribe adds the caller to the shop's notification recipients.
// PUT /api/v1/shops/{id}/subscription
func (r *Router) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.shopService.Get(req.Context(), id); err != nil {
		r.shopError(w, err, "getting shop")
		return
	}
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.notificationService.Subscribe(req.Context(), id, userID); err != nil {
		r.logger.Error("subscribing", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

// DELETE /api/v1/shops/{id}/subscription
func (r *Router) handleUnsubscribe(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.notificationService.Unsubscribe(req.Context(), req.PathValue("id"), userID); err != nil {
		r.logger.Error("unsubscribing", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func (r *Router) handleListSubscriptions(w http.ResponseWriter, req *http.Request) {
	ids, err := r.notificationService.Subscriptions(req.Context(), middleware.UserIDFromContext(req.Context()))
	if err != nil {
		r.logger.Error("listing subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"shop_ids": ids})
}

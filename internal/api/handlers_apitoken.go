package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sydlexius/shopmon/internal/api/middleware"
	"github.com/sydlexius/shopmon/internal/auth"
)

// handleCreateAPIToken generates a new API token. The plaintext token is
// only returned here.
// POST /api/v1/auth/tokens
func (r *Router) handleCreateAPIToken(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())

	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	plaintext, token, err := r.authService.CreateToken(req.Context(), userID, body.Name)
	if err != nil {
		r.logger.Error("creating api token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":   plaintext,
		"details": token,
	})
}

// handleListAPITokens lists all tokens for the authenticated user.
// GET /api/v1/auth/tokens
func (r *Router) handleListAPITokens(w http.ResponseWriter, req *http.Request) {
	tokens, err := r.authService.ListTokens(req.Context(), middleware.UserIDFromContext(req.Context()))
	if err != nil {
		r.logger.Error("listing api tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tokens == nil {
		tokens = []auth.APIToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// handleRevokeAPIToken deletes one of the caller's tokens.
// DELETE /api/v1/auth/tokens/{id}
func (r *Router) handleRevokeAPIToken(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.authService.RevokeToken(req.Context(), userID, req.PathValue("id")); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, http.StatusNotFound, "token not found")
			return
		}
		r.logger.Error("revoking api token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

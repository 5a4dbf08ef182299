package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sydlexius/shopmon/internal/api/middleware"
	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/version"
)

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if r.db != nil {
		if err := r.db.PingContext(req.Context()); err != nil {
			r.logger.Error("health check: database unreachable", "error", err)
			body["status"], code = "degraded", http.StatusServiceUnavailable
		} else if v, err := database.SchemaVersion(req.Context(), r.db); err == nil {
			body["schema"] = strconv.FormatInt(v, 10)
		}
	}
	writeJSON(w, code, body)
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	user, err := r.authService.GetUser(req.Context(), middleware.UserIDFromContext(req.Context()))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	req.Body = http.MaxBytesReader(w, req.Body, 1<<20)
	return json.NewDecoder(req.Body).Decode(v)
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}

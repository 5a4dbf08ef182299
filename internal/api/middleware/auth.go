package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

// TokenValidator resolves an API token to the owning user ID.
type TokenValidator interface {
	ValidateAPIToken(ctx context.Context, token string) (string, error)
}

// Auth returns middleware that requires a valid API token. When failures is
// non-nil, clients that repeatedly present bad tokens are locked out for a
// while.
func Auth(tokens TokenValidator, failures *FailureLock) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if failures != nil && failures.Locked(ip) {
				http.Error(w, `{"error":"too many failed attempts"}`, http.StatusTooManyRequests)
				return
			}

			token := extractToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			userID, err := tokens.ValidateAPIToken(r.Context(), token)
			if err != nil {
				if failures != nil {
					failures.Fail(ip)
				}
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if failures != nil {
				failures.Reset(ip)
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext extracts the authenticated user ID from the context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}

	// Webhook-style callers that cannot set headers.
	if apikey := r.URL.Query().Get("apikey"); apikey != "" {
		return apikey
	}

	return ""
}

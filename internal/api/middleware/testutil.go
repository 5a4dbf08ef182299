package middleware

import "context"

// WithTestUserID injects a user ID into the context for handler tests that
// bypass the Auth middleware.
func WithTestUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// ABOUTME: Authenticated identity propagation through request contexts
// ABOUTME: Provides WithUserID/UserIDFromContext for handlers

package auth

import "context"

// userIDKey is the key type for storing the authenticated user in a context.
type userIDKey struct{}

// WithUserID returns a new context carrying the authenticated user identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext retrieves the authenticated user identity, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey{}).(string)
	return id, ok && id != ""
}

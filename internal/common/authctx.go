package common

import "context"

type userIDCtxKey struct{}

// WithUserID attaches the authenticated user's identifier to the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDCtxKey{}, id)
}

// UserID returns the authenticated user's identifier, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDCtxKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

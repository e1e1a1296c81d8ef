package auth

import (
	"context"
	"strings"
)

type userContextKey struct{}

// ContextWithUser stores the authenticated user id in the context.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserIDFromContext extracts the authenticated user id from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

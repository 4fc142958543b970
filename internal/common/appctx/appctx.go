// Package appctx provides context utilities for caller identity and
// background operations.
package appctx

import (
	"context"
	"time"
)

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID returns a context carrying the authenticated caller's user id.
// Identity verification happens upstream; the engine only consumes the result.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the authenticated caller's user id from the context.
// Returns empty string if no identity was attached.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Detached returns a new context that is not tied to the parent's cancellation
// but inherits its values. Use this for operations that must outlive the request,
// such as post-run persistence after a client disconnect.
// The returned context is cancelled when the timeout expires.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

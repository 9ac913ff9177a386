package domain

import "context"

type ctxKey string

const (
	sessionCtxKey  ctxKey = "session_id"
	callerCtxKey   ctxKey = "caller"
	trackingCtxKey ctxKey = "tracking_id"
)

// ContextWithSessionID returns a new context carrying the execution session ID.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithCaller returns a new context carrying the authenticated caller identity.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerCtxKey, caller)
}

// CallerFromContext extracts the caller identity. Returns empty string if not set.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTrackingID returns a new context carrying a progress tracking ID.
func ContextWithTrackingID(ctx context.Context, trackingID string) context.Context {
	return context.WithValue(ctx, trackingCtxKey, trackingID)
}

// TrackingIDFromContext extracts the tracking ID. Returns empty string if not set.
func TrackingIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(trackingCtxKey).(string); ok {
		return v
	}
	return ""
}

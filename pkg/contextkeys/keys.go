// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, deny audit, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// IdentityIDKey contains the authenticated identity's id; absent
	// for guest requests
	// Set by: the session layer in front of this service
	// Used by: authorization requests, notification fan-out
	// Type: int64
	IdentityIDKey Key = "identity_id"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithIdentityID adds the authenticated identity to the context
func WithIdentityID(ctx context.Context, identityID int64) context.Context {
	return context.WithValue(ctx, IdentityIDKey, identityID)
}

// GetIdentityID retrieves the authenticated identity from context.
// The second return is false for guest requests.
func GetIdentityID(ctx context.Context) (int64, bool) {
	identityID, ok := ctx.Value(IdentityIDKey).(int64)
	return identityID, ok
}

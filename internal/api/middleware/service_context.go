// Package middleware provides HTTP middleware components for the Dispatchr API.
package middleware

import (
	"context"
	"time"
)

// serviceContextKey is the context key for authenticated service information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type serviceContextKey struct{}

// ServiceContext contains authenticated service information enriched in the request context.
// This context is added by the authentication middleware after successful API key validation.
type ServiceContext struct {
	// ServiceID is the unique identifier for the calling service (e.g., "billing-api")
	ServiceID string

	// Name is the human-readable service name for logging and display
	Name string

	// Permissions are the authorization scopes granted to this service
	Permissions []string

	// KeyID is the API key ID used for authentication (for audit logging)
	KeyID string

	// AuthTime is the timestamp when authentication occurred (for latency tracking)
	AuthTime time.Time
}

// GetServiceContext extracts service context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
func GetServiceContext(ctx context.Context) (ServiceContext, bool) {
	svcCtx, ok := ctx.Value(serviceContextKey{}).(ServiceContext)

	return svcCtx, ok
}

// SetServiceContext adds service context to the request context.
// Returns a new context with the service context attached.
//
// This function is used by the authentication middleware to enrich the request
// context after successful API key validation.
func SetServiceContext(ctx context.Context, svcCtx ServiceContext) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, svcCtx)
}

// Package middleware provides HTTP middleware components for the Dispatchr API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/requestctx"
)

// correlationIDLength is the generated id length in hex characters.
const correlationIDLength = 16

// correlationIDKey is the context key for the correlation id.
type correlationIDKey struct{}

// CorrelationID creates a middleware that binds a correlation id to each
// request: the caller's X-Correlation-ID header when present, a generated
// one otherwise. The id is echoed on the response and seeded into
// requestctx so events produced while handling the request carry it into
// the outbox and across the queue boundary.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = generateCorrelationID()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)
			ctx = requestctx.With(ctx, requestctx.Context{CorrelationID: correlationID})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation id from the request context.
// Returns "unknown" outside a correlation-bound request.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// generateCorrelationID returns 16 hex characters of crypto/rand entropy,
// falling back to a timestamp-derived id if the random source fails.
func generateCorrelationID() string {
	buf := make([]byte, correlationIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}

	return hex.EncodeToString(buf)
}

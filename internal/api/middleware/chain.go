// Package middleware provides HTTP middleware components for the Dispatchr API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/dispatchr-io/dispatchr/internal/storage"
)

// Option wraps a handler with one middleware concern.
type Option func(http.Handler) http.Handler

// Apply builds the middleware chain around handler. Options are applied so
// that the first option becomes the outermost wrapper: requests pass
// through them in the order given.
//
// The dispatchr server assembles its chain as
//
//	middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAuthService(store, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// noop is the identity option, used when an optional concern is not configured.
func noop(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID adds correlation id propagation.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery adds panic recovery.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuthService adds API key authentication. A nil store disables the
// concern entirely.
func WithAuthService(store storage.APIKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return noop
	}

	return AuthenticateService(store, logger)
}

// WithRateLimit adds request rate limiting. A nil limiter disables the
// concern entirely.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return noop
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger adds structured request logging.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS adds CORS header handling.
func WithCORS(config CORSConfigProvider) Option {
	return CORS(config)
}

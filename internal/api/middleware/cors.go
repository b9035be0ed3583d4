// Package middleware provides HTTP middleware components for the Dispatchr API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfigProvider is implemented by the api package server config to avoid
// an import cycle. The concrete type is defined in internal/api/config.go.
type CORSConfigProvider interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS creates a middleware that sets Cross-Origin Resource Sharing headers
// and short-circuits OPTIONS preflight requests with 204.
func CORS(config CORSConfigProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applyCORSHeaders(w, r, config)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func applyCORSHeaders(w http.ResponseWriter, r *http.Request, config CORSConfigProvider) {
	if origin := resolveOrigin(r.Header.Get("Origin"), config.GetAllowedOrigins()); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	if methods := config.GetAllowedMethods(); len(methods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	}

	if headers := config.GetAllowedHeaders(); len(headers) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}
}

// resolveOrigin picks the Allow-Origin value: "*" when the allow list is the
// wildcard, the request origin when it is explicitly allowed, empty
// otherwise (header omitted).
func resolveOrigin(origin string, allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}

	if len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}

	for _, candidate := range allowed {
		if candidate == origin {
			return origin
		}
	}

	return ""
}

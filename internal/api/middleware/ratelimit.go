// Package middleware provides HTTP middleware components for the Dispatchr API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxServices                int     = 100
	defaultGlobalRPS           int     = 100
	defaultServiceRPS          int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores like Redis (multi-node deployment).
	//
	// The interface enables zero-downtime migration from in-memory to
	// Redis-backed rate limiting when scaling beyond single-node deployments.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For authenticated requests, serviceID identifies the calling service.
		// For unauthenticated requests, serviceID is empty string.
		Allow(serviceID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-service limit (applied to authenticated requests)
	// 3. Unauthenticated limit (applied to requests without service ID)
	//
	// Uses token bucket algorithm with configurable burst capacity.
	// Burst capacity allows temporary bursts above the sustained rate.
	//
	// Memory cleanup runs periodically to prevent unbounded growth.
	// Services idle longer than IdleTimeout are removed.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perService      map[string]*serviceLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		// Configuration (stored for creating new service limiters and cleanup)
		serviceRPS      int
		serviceBurst    int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxServices     int
	}

	// serviceLimiter tracks rate limit state for a single service.
	// Includes last access time for memory cleanup.
	serviceLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
// Cleanup runs periodically to prevent unbounded memory growth.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS:  100,
//	    ServiceRPS: 50,
//	    UnAuthRPS:  10,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	// Compute burst capacities (use override if provided, otherwise 2 × rate)
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	serviceBurst := computeBurstCapacity(config.ServiceRPS, config.ServiceBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	// Create rate limiter with three-tier limits
	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perService:      make(map[string]*serviceLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		serviceRPS:      config.ServiceRPS,
		serviceBurst:    serviceBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxServices:     config.MaxServices,
	}

	// Start background cleanup goroutine
	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
//
// If burstOverride is 0, computes burst automatically as 2 × rate.
// If burstOverride > 0, uses the override value.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Returns true if the request is allowed, false if rate limited.
//
// Rate limiting is enforced in three tiers:
// 1. Global limit (all requests)
// 2. Per-service limit (authenticated) OR unauthenticated limit
func (rl *InMemoryRateLimiter) Allow(serviceID string) bool {
	// Tier 1: Check global limit first (fail fast)
	if !rl.global.Allow() {
		return false
	}

	// Tier 2: Check service-specific or unauthenticated limit
	if serviceID == "" {
		// Unauthenticated request
		return rl.unauthenticated.Allow()
	}

	// Authenticated request - get or create service limiter
	rl.mu.RLock()
	sl, ok := rl.perService[serviceID]
	rl.mu.RUnlock()

	if !ok {
		// Lazy initialization: create limiter for this service
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if sl, ok = rl.perService[serviceID]; !ok {
			sl = &serviceLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.serviceRPS), rl.serviceBurst),
				lastAccess: time.Now(),
			}

			rl.perService[serviceID] = sl

			// Operational monitoring: warn when approaching max services limit.
			// Helps operators detect service ID proliferation before hitting hard limits.
			currentCount := len(rl.perService)
			threshold := int(float64(rl.maxServices) * thresholdMultiplier) // 80% threshold

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max services limit",
					"current_services", currentCount,
					"max_services", rl.maxServices,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate potential service ID proliferation or increase max_services limit")
			}
		}

		rl.mu.Unlock()
	}

	// Update last access time (for cleanup)
	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	// Check service-specific limit
	return sl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
//
// Note: Close() is not part of the RateLimiter interface to allow
// implementations that don't require cleanup (e.g., a Redis-backed limiter
// with connection pooling). Use type assertion if cleanup is needed:
//
//	if closer, ok := limiter.(io.Closer); ok {
//	    closer.Close()
//	}
func (rl *InMemoryRateLimiter) Close() error {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)

	return nil
}

// startCleanup starts a background goroutine that periodically removes
// stale service limiters to prevent memory leaks.
//
// Cleanup runs every 5 minutes and removes limiters that haven't been
// accessed in the last hour.
func (rl *InMemoryRateLimiter) startCleanup() {
	// Use config values if set, otherwise use defaults
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes service limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	// Use config value if set, otherwise use default
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for serviceID, sl := range rl.perService {
		sl.mu.Lock()
		lastAccess := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perService, serviceID)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// Rate limiting is applied in three tiers:
//  1. Global limit (all requests)
//  2. Per-service limit (authenticated requests with ServiceContext)
//  3. Unauthenticated limit (requests without ServiceContext)
//
// When a request exceeds the rate limit, the middleware returns a 429 (Too Many Requests)
// response with RFC 7807 error format.
//
// The middleware must be placed after authentication middleware in the chain to access
// ServiceContext for per-service rate limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract service ID from context (set by authentication middleware)
			// If ServiceContext exists, use service ID for per-service rate limiting
			// If ServiceContext is missing, use empty string for unauthenticated rate limiting
			serviceID := ""
			if svcCtx, ok := GetServiceContext(r.Context()); ok {
				serviceID = svcCtx.ServiceID
			}

			// Check rate limit
			if !limiter.Allow(serviceID) {
				// Get correlation ID for error response
				correlationID := GetCorrelationID(r.Context())

				// Write RFC 7807 compliant error response
				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					// Fallback to plain text if writeRFC7807Error fails
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			// Rate limit not exceeded, continue to next handler
			next.ServeHTTP(w, r)
		})
	}
}

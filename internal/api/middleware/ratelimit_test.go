package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// stubLimiter returns a fixed decision and records the last service ID.
type stubLimiter struct {
	allow         bool
	lastServiceID string
}

func (s *stubLimiter) Allow(serviceID string) bool {
	s.lastServiceID = serviceID

	return s.allow
}

func newTestLimiter(t *testing.T, cfg *Config) *InMemoryRateLimiter {
	t.Helper()

	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}

	rl := NewInMemoryRateLimiter(cfg)
	t.Cleanup(func() { _ = rl.Close() })

	return rl
}

func TestComputeBurstCapacity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := computeBurstCapacity(50, 0); got != 100 {
		t.Errorf("computeBurstCapacity(50, 0) = %d, want 100", got)
	}

	if got := computeBurstCapacity(50, 5); got != 5 {
		t.Errorf("computeBurstCapacity(50, 5) = %d, want the override", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadConfig()

	if cfg.GlobalRPS != 100 || cfg.ServiceRPS != 50 || cfg.UnAuthRPS != 10 {
		t.Errorf("rate defaults = %d/%d/%d, want 100/50/10", cfg.GlobalRPS, cfg.ServiceRPS, cfg.UnAuthRPS)
	}

	if cfg.GlobalBurst != 0 || cfg.ServiceBurst != 0 || cfg.UnAuthBurst != 0 {
		t.Errorf("burst defaults = %d/%d/%d, want 0 (auto-computed)", cfg.GlobalBurst, cfg.ServiceBurst, cfg.UnAuthBurst)
	}

	if cfg.CleanupInterval != 5*time.Minute || cfg.IdleTimeout != time.Hour || cfg.MaxServices != 100 {
		t.Errorf("cleanup defaults = %v/%v/%d, want 5m/1h/100", cfg.CleanupInterval, cfg.IdleTimeout, cfg.MaxServices)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("DISPATCHR_GLOBAL_RPS", "7")
	t.Setenv("DISPATCHR_SERVICE_BURST", "3")
	t.Setenv("DISPATCHR_RATE_LIMIT_IDLE_TIMEOUT", "30m")

	cfg := LoadConfig()

	if cfg.GlobalRPS != 7 {
		t.Errorf("GlobalRPS = %d, want 7", cfg.GlobalRPS)
	}

	if cfg.ServiceBurst != 3 {
		t.Errorf("ServiceBurst = %d, want 3", cfg.ServiceBurst)
	}

	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.IdleTimeout)
	}
}

func TestInMemoryRateLimiter_UnauthenticatedTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ServiceRPS: 1000,
		UnAuthRPS:  1, // Burst 2
	})

	if !rl.Allow("") || !rl.Allow("") {
		t.Error("Allow(\"\") = false within the burst capacity, want true")
	}

	if rl.Allow("") {
		t.Error("Allow(\"\") = true after the burst is spent, want false")
	}
}

func TestInMemoryRateLimiter_PerServiceTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:  1000,
		ServiceRPS: 1, // Burst 2
		UnAuthRPS:  1000,
	})

	if !rl.Allow("billing-service") || !rl.Allow("billing-service") {
		t.Error("Allow(billing-service) = false within the burst capacity, want true")
	}

	if rl.Allow("billing-service") {
		t.Error("Allow(billing-service) = true after the burst is spent, want false")
	}

	// Service buckets are independent
	if !rl.Allow("orders-service") {
		t.Error("Allow(orders-service) = false for a fresh service, want true")
	}
}

func TestInMemoryRateLimiter_GlobalTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		ServiceRPS:  1000,
		UnAuthRPS:   1000,
	})

	if !rl.Allow("billing-service") {
		t.Error("Allow() = false for the first request, want true")
	}

	// The global bucket is shared across services
	if rl.Allow("orders-service") {
		t.Error("Allow() = true once the global bucket is empty, want false")
	}
}

func TestRateLimitMiddleware_Allows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &stubLimiter{allow: true}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, testLogger())(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	if limiter.lastServiceID != "" {
		t.Errorf("service ID = %q for an unauthenticated request, want empty", limiter.lastServiceID)
	}
}

func TestRateLimitMiddleware_UsesServiceContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &stubLimiter{allow: true}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(limiter, testLogger())(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil)
	ctx := SetServiceContext(req.Context(), ServiceContext{ServiceID: "billing-service"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.WithContext(ctx))

	if limiter.lastServiceID != "billing-service" {
		t.Errorf("service ID = %q, want billing-service", limiter.lastServiceID)
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &stubLimiter{allow: false}
	next := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("next handler called for a rate limited request")
	})
	handler := RateLimit(limiter, testLogger())(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}

	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}

	var problem map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode problem response: %v", err)
	}

	if problem["title"] != "Too Many Requests" || problem["instance"] != "/api/v1/commands" {
		t.Errorf("problem = %v, want a Too Many Requests problem detail", problem)
	}
}

func TestInMemoryRateLimiter_Cleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := newTestLimiter(t, &Config{
		GlobalRPS:   1000,
		ServiceRPS:  1000,
		UnAuthRPS:   1000,
		IdleTimeout: time.Nanosecond,
	})

	rl.Allow("billing-service")

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, ok := rl.perService["billing-service"]
	rl.mu.RUnlock()

	if ok {
		t.Error("cleanup() kept an idle service limiter, want it removed")
	}
}

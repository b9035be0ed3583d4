// Package api provides the HTTP API server implementation for the Dispatchr service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/api/middleware"
	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/outbox"
	"github.com/dispatchr-io/dispatchr/internal/requestctx"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

// stubExecutor records the last command and returns canned results.
type stubExecutor struct {
	result  *command.Result
	cmdErr  *command.Error
	lastCmd command.Command
	lastCtx context.Context
}

func (s *stubExecutor) Execute(ctx context.Context, cmd command.Command) (*command.Result, *command.Error) {
	s.lastCtx = ctx
	s.lastCmd = cmd

	if s.cmdErr != nil {
		return nil, s.cmdErr
	}

	return s.result, nil
}

// stubDispatcher returns canned tick stats and metrics.
type stubDispatcher struct {
	stats      outbox.TickStats
	metrics    storage.OutboxMetrics
	triggerErr error
	metricsErr error
}

func (s *stubDispatcher) TriggerOnce(_ context.Context) (outbox.TickStats, error) {
	return s.stats, s.triggerErr
}

func (s *stubDispatcher) Metrics(_ context.Context) (storage.OutboxMetrics, error) {
	return s.metrics, s.metricsErr
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           slog.LevelError,
		MaxRequestSize:     defaultMaxRequestSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         defaultCORSMaxAge,
	}
}

func newTestServer(cfg *ServerConfig, exec CommandExecutor, disp OutboxDispatcher, keys storage.APIKeyStore) *Server {
	if cfg == nil {
		cfg = testServerConfig()
	}

	return NewServer(cfg, exec, disp, keys, nil)
}

func (s *Server) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

func postCommand(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	return req
}

func TestPing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, nil)

	rr := server.serve(httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("GET /ping status = %d, want 200", rr.Code)
	}

	if rr.Body.String() != "pong" {
		t.Errorf("GET /ping body = %q, want pong", rr.Body.String())
	}

	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header not set")
	}
}

func TestHealth(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, nil)

	rr := server.serve(httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", rr.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}

	if health.Status != "healthy" || health.ServiceName != "dispatchr" {
		t.Errorf("health = %+v, want healthy dispatchr", health)
	}
}

func TestReadyDegradedWithoutKeyStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, nil)

	rr := server.serve(httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "ready" {
		t.Errorf("GET /ready = %d %q, want 200 ready", rr.Code, rr.Body.String())
	}
}

func TestReadyChecksStorage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	healthy := &middleware.MockAPIKeyStore{}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, healthy)

	rr := server.serve(httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("GET /ready with healthy storage = %d, want 200", rr.Code)
	}

	unhealthy := &middleware.MockAPIKeyStore{
		HealthCheckFunc: func(_ context.Context) error {
			return errors.New("connection refused")
		},
	}

	server = newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, unhealthy)

	rr = server.serve(httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /ready with failing storage = %d, want 503", rr.Code)
	}
}

func TestNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, nil)

	rr := server.serve(httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET /nope status = %d, want 404", rr.Code)
	}

	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}

	var problem ProblemDetail
	if err := json.Unmarshal(rr.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse problem detail: %v", err)
	}

	if problem.Status != http.StatusNotFound || problem.Title != "Not Found" {
		t.Errorf("problem = %+v, want RFC 7807 404", problem)
	}

	if problem.Instance != "/nope" || problem.CorrelationID == "" {
		t.Errorf("problem instance/correlation = %q/%q, want request path and correlation id", problem.Instance, problem.CorrelationID)
	}
}

func TestCommandsHappyPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := &stubExecutor{
		result: &command.Result{
			AggregateID: "act-1",
			Version:     1,
			EventIDs:    []string{"evt-1"},
		},
	}

	server := newTestServer(nil, exec, &stubDispatcher{}, nil)

	rr := server.serve(postCommand(`{"type": "action.create", "payload": {"title": "Ship invoices"}}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/v1/commands status = %d, want 200. Body: %s", rr.Code, rr.Body.String())
	}

	var resp CommandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse command response: %v", err)
	}

	if resp.AggregateID != "act-1" || resp.Version != 1 || len(resp.EventIDs) != 1 {
		t.Errorf("response = %+v, want the executor result", resp)
	}

	if resp.CorrelationID == "" || resp.Timestamp == "" {
		t.Errorf("response observability fields = %q/%q, want both set", resp.CorrelationID, resp.Timestamp)
	}

	if exec.lastCmd.Type != "action.create" {
		t.Errorf("executor received command type %q, want action.create", exec.lastCmd.Type)
	}
}

func TestCommandsCallerActorMetadata(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	exec := &stubExecutor{result: &command.Result{AggregateID: "act-1", Version: 1}}
	server := newTestServer(nil, exec, &stubDispatcher{}, nil)

	rr := server.serve(postCommand(
		`{"type": "action.create", "payload": {"title": "Ship invoices"},` +
			` "metadata": {"actor": {"id": "u1", "email": "u1@example.com"}}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST with actor metadata = %d, want 200. Body: %s", rr.Code, rr.Body.String())
	}

	// With authentication disabled, the metadata actor attributes the command
	rc, ok := requestctx.From(exec.lastCtx)
	if !ok {
		t.Fatal("executor context carries no request context")
	}

	if rc.Actor.ID != "u1" || rc.Actor.Email != "u1@example.com" {
		t.Errorf("executor actor = %+v, want the metadata actor u1", rc.Actor)
	}
}

func TestCommandsAuthenticatedActorWinsOverMetadata(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validKey, err := storage.GenerateAPIKey("billing-service")
	if err != nil {
		t.Fatalf("GenerateAPIKey() unexpected error: %v", err)
	}

	keys := &middleware.MockAPIKeyStore{
		FindByKeyFunc: func(_ context.Context, key string) (*storage.APIKey, bool) {
			if key != validKey {
				return nil, false
			}

			return &storage.APIKey{
				ID:        "key-1",
				Key:       validKey,
				ServiceID: "billing-service",
				Name:      "Billing",
				Active:    true,
			}, true
		},
	}

	exec := &stubExecutor{result: &command.Result{AggregateID: "act-1", Version: 1}}
	server := newTestServer(nil, exec, &stubDispatcher{}, keys)

	req := postCommand(
		`{"type": "action.create", "payload": {},` +
			` "metadata": {"actor": {"id": "u1", "email": "u1@example.com"}}}`)
	req.Header.Set("X-Api-Key", validKey)

	rr := server.serve(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated POST = %d, want 200. Body: %s", rr.Code, rr.Body.String())
	}

	rc, ok := requestctx.From(exec.lastCtx)
	if !ok {
		t.Fatal("executor context carries no request context")
	}

	if rc.Actor.ID != "billing-service" {
		t.Errorf("executor actor = %+v, want the authenticated service, not the metadata actor", rc.Actor)
	}
}

func TestCommandsRequiresJSONContentType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"type":"action.create"}`))
	req.Header.Set("Content-Type", "text/plain")

	rr := server.serve(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST without JSON content type = %d, want 400", rr.Code)
	}

	// Charset parameters are accepted
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands",
		strings.NewReader(`{"type": "action.create", "payload": {}}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	exec := &stubExecutor{result: &command.Result{AggregateID: "a", Version: 1}}
	server = newTestServer(nil, exec, &stubDispatcher{}, nil)

	rr = server.serve(req)
	if rr.Code != http.StatusOK {
		t.Errorf("POST with charset parameter = %d, want 200", rr.Code)
	}
}

func TestCommandsRejectsMalformedBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(nil, &stubExecutor{}, &stubDispatcher{}, nil)

	cases := map[string]string{
		"invalid JSON":     `{"type": "action.create"`,
		"unknown fields":   `{"type": "action.create", "bogus": true}`,
		"trailing garbage": `{"type": "action.create"} {"again": true}`,
		"missing type":     `{"payload": {"title": "t"}}`,
		"blank type":       `{"type": "   "}`,
	}

	for name, body := range cases {
		rr := server.serve(postCommand(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rr.Code)
		}
	}
}

func TestCommandsRejectsOversizedBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testServerConfig()
	cfg.MaxRequestSize = 64

	server := newTestServer(cfg, &stubExecutor{}, &stubDispatcher{}, nil)

	var body bytes.Buffer
	body.WriteString(`{"type": "action.create", "payload": {"title": "`)
	body.WriteString(strings.Repeat("x", 256))
	body.WriteString(`"}}`)

	rr := server.serve(postCommand(body.String()))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", rr.Code)
	}
}

func TestCommandsErrorMapping(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name   string
		cmdErr *command.Error
		status int
	}{
		{"validation", command.NewError(command.KindValidation, "title is required"), http.StatusBadRequest},
		{"not found", command.NewError(command.KindNotFound, "action not found"), http.StatusNotFound},
		{"version conflict", command.VersionMismatch("action", 1, 2), http.StatusConflict},
		{"duplicate", command.NewError(command.KindConflict, "policy name already exists"), http.StatusConflict},
		{"business rule", command.RuleError("action.complete.not_active", "only active actions can be completed"), http.StatusUnprocessableEntity},
		{"infrastructure", command.InfrastructureError("postgres", errors.New("down")), http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		server := newTestServer(nil, &stubExecutor{cmdErr: tc.cmdErr}, &stubDispatcher{}, nil)

		rr := server.serve(postCommand(`{"type": "action.create", "payload": {}}`))
		if rr.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.name, rr.Code, tc.status)

			continue
		}

		var problem ProblemDetail
		if err := json.Unmarshal(rr.Body.Bytes(), &problem); err != nil {
			t.Errorf("%s: failed to parse problem detail: %v", tc.name, err)

			continue
		}

		if problem.Detail != tc.cmdErr.Message {
			t.Errorf("%s: problem detail = %q, want the command message", tc.name, problem.Detail)
		}
	}
}

func TestOutboxMetricsEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	disp := &stubDispatcher{
		metrics: storage.OutboxMetrics{Pending: 3, Completed: 10, Failed: 1},
	}

	server := newTestServer(nil, &stubExecutor{}, disp, nil)

	rr := server.serve(httptest.NewRequest(http.MethodGet, "/api/v1/outbox/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/outbox/metrics status = %d, want 200", rr.Code)
	}

	var resp OutboxMetricsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse metrics response: %v", err)
	}

	if resp.Metrics.Pending != 3 || resp.Metrics.Failed != 1 {
		t.Errorf("metrics = %+v, want the dispatcher metrics", resp.Metrics)
	}

	disp.metricsErr = errors.New("database unavailable")

	rr = server.serve(httptest.NewRequest(http.MethodGet, "/api/v1/outbox/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("metrics failure status = %d, want 503", rr.Code)
	}
}

func TestOutboxTriggerEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	disp := &stubDispatcher{
		stats: outbox.TickStats{Claimed: 5, Published: 4, Retried: 1},
	}

	server := newTestServer(nil, &stubExecutor{}, disp, nil)

	rr := server.serve(httptest.NewRequest(http.MethodPost, "/api/v1/outbox/trigger", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/v1/outbox/trigger status = %d, want 200", rr.Code)
	}

	var resp TriggerResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse trigger response: %v", err)
	}

	if resp.Stats.Claimed != 5 || resp.Stats.Published != 4 {
		t.Errorf("stats = %+v, want the dispatcher tick stats", resp.Stats)
	}

	disp.triggerErr = errors.New("claim failed")

	rr = server.serve(httptest.NewRequest(http.MethodPost, "/api/v1/outbox/trigger", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("trigger failure status = %d, want 503", rr.Code)
	}
}

func TestAuthProtectsCommandEndpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validKey, err := storage.GenerateAPIKey("billing-service")
	if err != nil {
		t.Fatalf("GenerateAPIKey() unexpected error: %v", err)
	}

	keys := &middleware.MockAPIKeyStore{
		FindByKeyFunc: func(_ context.Context, key string) (*storage.APIKey, bool) {
			if key != validKey {
				return nil, false
			}

			return &storage.APIKey{
				ID:          "key-1",
				Key:         validKey,
				ServiceID:   "billing-service",
				Name:        "Billing",
				Permissions: []string{"commands:write"},
				Active:      true,
			}, true
		},
	}

	exec := &stubExecutor{result: &command.Result{AggregateID: "act-1", Version: 1}}
	server := newTestServer(nil, exec, &stubDispatcher{}, keys)

	// Health endpoints bypass authentication
	rr := server.serve(httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("GET /ping without key = %d, want 200 (public)", rr.Code)
	}

	// Protected endpoints do not
	rr = server.serve(postCommand(`{"type": "action.create", "payload": {}}`))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("command without key = %d, want 401", rr.Code)
	}

	req := postCommand(`{"type": "action.create", "payload": {}}`)
	req.Header.Set("X-Api-Key", validKey)

	rr = server.serve(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("command with valid key = %d, want 200. Body: %s", rr.Code, rr.Body.String())
	}

	// The authenticated service becomes the request actor for event metadata
	rc, ok := requestctx.From(exec.lastCtx)
	if !ok || rc.Actor.ID != "billing-service" {
		t.Errorf("request actor = %+v, want the authenticated service", rc.Actor)
	}
}

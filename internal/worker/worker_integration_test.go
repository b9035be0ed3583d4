package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/event"
	"github.com/dispatchr-io/dispatchr/internal/queue"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

func setupLedger(ctx context.Context, t *testing.T) *storage.LedgerStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	ledger, err := storage.NewLedgerStore(storage.NewConnection(testDB.Connection))
	if err != nil {
		t.Fatalf("NewLedgerStore() unexpected error: %v", err)
	}

	return ledger
}

// testJob builds a queue job whose payload is the outbox envelope for one
// domain event, mirroring what the dispatcher publishes.
func testJob(t *testing.T, eventID, eventType string) *queue.Job {
	t.Helper()

	return &queue.Job{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: "action",
		AggregateID:   "act-1",
		Payload: []byte(`{
			"payload": {"title": "Ship invoices"},
			"metadata": {"correlationId": "corr-1", "actor": {"id": "user-7"}, "schemaVersion": 1}
		}`),
	}
}

func TestNewWorkerValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := NewWorker(nil, nil, nil, time.Second); err == nil {
		t.Error("NewWorker(nil registry) expected error, got nil")
	}

	if _, err := NewWorker(NewRegistry(), nil, nil, time.Second); err == nil {
		t.Error("NewWorker(nil ledger) expected error, got nil")
	}
}

func TestProcessJobFansOutAndRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ledger := setupLedger(ctx, t)

	audit := &stubHandler{name: "audit"}
	notify := &stubHandler{name: "notify"}

	registry := NewRegistry()
	if err := registry.Register(audit, SubscribeAll); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}

	if err := registry.Register(notify, "action.created"); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}

	w, err := NewWorker(registry, ledger, nil, 30*time.Second)
	if err != nil {
		t.Fatalf("NewWorker() unexpected error: %v", err)
	}

	job := testJob(t, event.NewID(), "action.created")

	if err := w.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob() unexpected error: %v", err)
	}

	if audit.calls != 1 || notify.calls != 1 {
		t.Errorf("handler calls = audit %d / notify %d, want 1 each", audit.calls, notify.calls)
	}

	// The handler sees the reconstructed event with its metadata
	if len(audit.events) == 1 {
		ev := audit.events[0]
		if ev.ID != job.EventID || ev.Type != "action.created" {
			t.Errorf("handler event = %s/%s, want %s/action.created", ev.ID, ev.Type, job.EventID)
		}

		if ev.Metadata.CorrelationID != "corr-1" {
			t.Errorf("handler event CorrelationID = %q, want corr-1", ev.Metadata.CorrelationID)
		}
	}

	// Completions are recorded per handler
	for _, name := range []string{"audit", "notify"} {
		done, err := ledger.Has(ctx, job.EventID, name)
		if err != nil {
			t.Fatalf("Has() unexpected error: %v", err)
		}

		if !done {
			t.Errorf("ledger missing completion for handler %q", name)
		}
	}
}

func TestProcessJobSkipsRecordedHandlers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ledger := setupLedger(ctx, t)

	audit := &stubHandler{name: "audit"}

	registry := NewRegistry()
	if err := registry.Register(audit, SubscribeAll); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}

	w, err := NewWorker(registry, ledger, nil, 30*time.Second)
	if err != nil {
		t.Fatalf("NewWorker() unexpected error: %v", err)
	}

	job := testJob(t, event.NewID(), "action.created")

	if err := w.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob() unexpected error: %v", err)
	}

	// Redelivery: the ledger short-circuits the handler
	if err := w.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob() redelivery unexpected error: %v", err)
	}

	if audit.calls != 1 {
		t.Errorf("handler ran %d times across redeliveries, want exactly 1", audit.calls)
	}
}

func TestProcessJobPartialFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ledger := setupLedger(ctx, t)

	good := &stubHandler{name: "good"}
	bad := &stubHandler{name: "bad", err: errors.New("downstream unavailable")}

	registry := NewRegistry()
	if err := registry.Register(good, "action.created"); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}

	if err := registry.Register(bad, "action.created"); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}

	w, err := NewWorker(registry, ledger, nil, 30*time.Second)
	if err != nil {
		t.Fatalf("NewWorker() unexpected error: %v", err)
	}

	job := testJob(t, event.NewID(), "action.created")

	err = w.ProcessJob(ctx, job)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("ProcessJob() error = %v, want %v", err, ErrHandlerFailed)
	}

	// The succeeding handler is recorded; the failing one is not
	goodDone, _ := ledger.Has(ctx, job.EventID, "good")
	if !goodDone {
		t.Error("ledger missing completion for succeeding handler")
	}

	badDone, _ := ledger.Has(ctx, job.EventID, "bad")
	if badDone {
		t.Error("ledger recorded completion for failing handler")
	}

	// Retry after the downstream recovers: only the failed handler reruns
	bad.err = nil

	if err := w.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob() retry unexpected error: %v", err)
	}

	if good.calls != 1 {
		t.Errorf("succeeding handler ran %d times, want 1", good.calls)
	}

	if bad.calls != 2 {
		t.Errorf("failing handler ran %d times, want 2 (fail then succeed)", bad.calls)
	}
}

func TestProcessJobNoHandlers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ledger := setupLedger(ctx, t)

	w, err := NewWorker(NewRegistry(), ledger, nil, 30*time.Second)
	if err != nil {
		t.Fatalf("NewWorker() unexpected error: %v", err)
	}

	// Unroutable events are acknowledged, not retried
	if err := w.ProcessJob(ctx, testJob(t, event.NewID(), "unknown.event")); err != nil {
		t.Errorf("ProcessJob() with no handlers unexpected error: %v", err)
	}
}

func TestProcessJobDisabledHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ledger := setupLedger(ctx, t)

	audit := &stubHandler{name: "audit"}

	registry := NewRegistry()
	if err := registry.Register(audit, SubscribeAll); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}

	disabled := false
	cfg := defaultWorkerConfig()
	cfg.Handlers["audit"] = HandlerSettings{Enabled: &disabled}

	w, err := NewWorker(registry, ledger, cfg, 30*time.Second)
	if err != nil {
		t.Fatalf("NewWorker() unexpected error: %v", err)
	}

	if err := w.ProcessJob(ctx, testJob(t, event.NewID(), "action.created")); err != nil {
		t.Fatalf("ProcessJob() unexpected error: %v", err)
	}

	if audit.calls != 0 {
		t.Errorf("disabled handler ran %d times, want 0", audit.calls)
	}
}

func TestProcessJobUndecodablePayload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ledger := setupLedger(ctx, t)

	w, err := NewWorker(NewRegistry(), ledger, nil, 30*time.Second)
	if err != nil {
		t.Fatalf("NewWorker() unexpected error: %v", err)
	}

	job := &queue.Job{
		EventID:   event.NewID(),
		EventType: "action.created",
		Payload:   []byte("not json"),
	}

	if err := w.ProcessJob(ctx, job); err == nil {
		t.Error("ProcessJob() with undecodable payload expected error, got nil")
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/event"
	"github.com/dispatchr-io/dispatchr/internal/queue"
	"github.com/dispatchr-io/dispatchr/internal/requestctx"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

var (
	// ErrHandlerFailed is returned when at least one handler failed for a job.
	// The queue consumer retries the whole job; handlers that already
	// succeeded are skipped through the ledger on redelivery.
	ErrHandlerFailed = errors.New("handler failed")
)

// Worker turns queued jobs back into domain events and fans them out to the
// registered handlers. Each handler invocation is idempotent through the
// ledger: a (event id, handler name) pair runs at most once.
type Worker struct {
	registry       *Registry
	ledger         *storage.LedgerStore
	cfg            *Config
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// NewWorker creates a worker over the given registry and ledger.
// handlerTimeout is the default per-handler deadline; the config file may
// override it per handler.
func NewWorker(registry *Registry, ledger *storage.LedgerStore, cfg *Config, handlerTimeout time.Duration) (*Worker, error) {
	if registry == nil {
		return nil, errors.New("handler registry is required")
	}

	if ledger == nil {
		return nil, errors.New("idempotency ledger is required")
	}

	if cfg == nil {
		cfg = defaultWorkerConfig()
	}

	return &Worker{
		registry:       registry,
		ledger:         ledger,
		cfg:            cfg,
		handlerTimeout: handlerTimeout,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "worker"),
	}, nil
}

// ProcessJob handles one queued job. It is the queue.JobHandler wired into
// the consumer.
//
// The request context is always built fresh from the event metadata: the
// correlation id survives the queue hop, the causation id becomes the event
// being processed, and the actor defaults to the system sentinel. Nothing
// from the consumer's ambient scope leaks in.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) error {
	ev, err := w.decodeJob(job)
	if err != nil {
		return err
	}

	ctx = requestctx.With(ctx, requestctx.FromEventMetadata(ev))

	handlers := w.enabledHandlers(ev.Type)
	if len(handlers) == 0 {
		w.logger.DebugContext(ctx, "no handlers for event type",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)

		return nil
	}

	failures := w.invokeHandlers(ctx, handlers, ev)
	if len(failures) == 0 {
		return nil
	}

	level := slog.LevelWarn
	if len(failures) == len(handlers) {
		// Every handler failed; this is more likely an outage than a bug in
		// one handler.
		level = slog.LevelError
	}

	w.logger.Log(ctx, level, "handlers failed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"failed", len(failures),
		"total", len(handlers),
		"errors", errors.Join(failures...).Error(),
	)

	return fmt.Errorf("%w: %d of %d handlers for event %s: %w",
		ErrHandlerFailed, len(failures), len(handlers), ev.ID, errors.Join(failures...))
}

// decodeJob reconstructs the domain event from the job's envelope payload.
func (w *Worker) decodeJob(job *queue.Job) (event.Event, error) {
	payload, metadata, err := storage.DecodeEnvelope(job.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to decode job %s: %w", job.EventID, err)
	}

	return event.Event{
		ID:            job.EventID,
		AggregateType: job.AggregateType,
		AggregateID:   job.AggregateID,
		Type:          job.EventType,
		SchemaVersion: metadata.SchemaVersion,
		Payload:       payload,
		Metadata:      metadata,
	}, nil
}

func (w *Worker) enabledHandlers(eventType string) []Handler {
	all := w.registry.HandlersFor(eventType)

	enabled := make([]Handler, 0, len(all))

	for _, h := range all {
		if !w.cfg.HandlerEnabled(h.Name()) {
			w.logger.Debug("handler disabled by configuration", "handler", h.Name())

			continue
		}

		enabled = append(enabled, h)
	}

	return enabled
}

// invokeHandlers runs the handlers with bounded parallelism and returns the
// per-handler failures. Every handler is attempted even when a sibling
// fails; the errgroup bounds concurrency but never cancels the group.
func (w *Worker) invokeHandlers(ctx context.Context, handlers []Handler, ev event.Event) []error {
	results := make([]error, len(handlers))

	var g errgroup.Group

	g.SetLimit(w.cfg.MaxParallelHandlers)

	for i, h := range handlers {
		g.Go(func() error {
			results[i] = w.invokeHandler(ctx, h, ev)

			return nil
		})
	}

	_ = g.Wait()

	failures := make([]error, 0, len(handlers))

	for _, err := range results {
		if err != nil {
			failures = append(failures, err)
		}
	}

	return failures
}

// invokeHandler runs one handler with ledger bracketing: skip when already
// recorded, record after success. A duplicate-key record is success, not an
// error; a concurrent worker simply got there first.
func (w *Worker) invokeHandler(ctx context.Context, h Handler, ev event.Event) error {
	done, err := w.ledger.Has(ctx, ev.ID, h.Name())
	if err != nil {
		return fmt.Errorf("handler %q: %w", h.Name(), err)
	}

	if done {
		w.logger.DebugContext(ctx, "handler already processed event",
			"event_id", ev.ID,
			"handler", h.Name(),
		)

		return nil
	}

	timeout := w.cfg.HandlerTimeout(h.Name(), w.handlerTimeout)

	handlerCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		handlerCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := h.Handle(handlerCtx, ev); err != nil {
		return fmt.Errorf("handler %q: %w", h.Name(), err)
	}

	if _, err := w.ledger.Record(ctx, ev.ID, h.Name()); err != nil {
		return fmt.Errorf("handler %q: failed to record completion: %w", h.Name(), err)
	}

	return nil
}

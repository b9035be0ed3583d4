// Package outbox implements the dispatcher that moves committed events from
// the database outbox to the queue. It is the only component allowed to
// contact the queue on the write path; the API transaction never does.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/queue"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

const tickTimeout = 30 * time.Second

var (
	// ErrDispatcherStopped is returned when a trigger arrives after Close.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type (
	// Publisher is the queue surface the dispatcher needs.
	Publisher interface {
		Publish(ctx context.Context, job *queue.Job) error
	}

	// TickStats summarizes one dispatch tick.
	TickStats struct {
		Claimed   int `json:"claimed"`
		Published int `json:"published"`
		Retried   int `json:"retried"`
		Failed    int `json:"failed"`
	}

	// Dispatcher polls the outbox and publishes claimed entries. One
	// in-process tick runs at a time; overlapping triggers are coalesced by
	// an atomic guard rather than queued.
	Dispatcher struct {
		store     *storage.OutboxStore
		publisher Publisher
		cfg       *Config
		logger    *slog.Logger

		ticking  atomic.Bool
		started  atomic.Bool
		stop     chan struct{} // Signal to stop the polling goroutine
		done     chan struct{} // Signal polling has stopped
		stopOnce sync.Once
	}
)

// NewDispatcher creates a dispatcher over the given outbox store and
// publisher. Call Start to begin polling.
func NewDispatcher(store *storage.OutboxStore, publisher Publisher, cfg *Config) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}

	if publisher == nil {
		return nil, errors.New("publisher is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "outbox-dispatcher"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Start launches the polling goroutine. The goroutine runs until Close.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}

	go d.run()

	d.logger.Info("dispatcher started",
		"poll_interval", d.cfg.PollInterval.String(),
		"batch_size", d.cfg.BatchSize,
	)
}

// run polls on a ticker until the stop channel is closed. An in-flight tick
// always finishes before shutdown completes.
func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)

			if _, err := d.TriggerOnce(ctx); err != nil && !errors.Is(err, ErrDispatcherStopped) {
				d.logger.Error("dispatch tick failed", "error", err)
			}

			cancel()
		}
	}
}

// TriggerOnce runs a single dispatch tick: claim a batch, publish each
// entry, and record the outcome per entry. Concurrent calls coalesce; the
// second caller returns immediately with empty stats.
func (d *Dispatcher) TriggerOnce(ctx context.Context) (TickStats, error) {
	select {
	case <-d.stop:
		return TickStats{}, ErrDispatcherStopped
	default:
	}

	if !d.ticking.CompareAndSwap(false, true) {
		return TickStats{}, nil
	}
	defer d.ticking.Store(false)

	entries, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, d.cfg.ReclaimInterval)
	if err != nil {
		return TickStats{}, fmt.Errorf("failed to claim batch: %w", err)
	}

	stats := TickStats{Claimed: len(entries)}

	for i := range entries {
		entry := &entries[i]

		if err := d.dispatchEntry(ctx, entry); err != nil {
			status := d.recordFailure(ctx, entry, err)

			switch status {
			case storage.OutboxStatusFailed:
				stats.Failed++
			default:
				stats.Retried++
			}

			continue
		}

		stats.Published++
	}

	if stats.Claimed > 0 {
		d.logger.Info("dispatch tick completed",
			"claimed", stats.Claimed,
			"published", stats.Published,
			"retried", stats.Retried,
			"failed", stats.Failed,
		)
	}

	return stats, nil
}

// dispatchEntry publishes one entry and marks it completed.
func (d *Dispatcher) dispatchEntry(ctx context.Context, entry *storage.OutboxEntry) error {
	job := &queue.Job{
		EventID:       entry.EventID,
		EventType:     entry.EventType,
		AggregateType: entry.AggregateType,
		AggregateID:   entry.AggregateID,
		Payload:       json.RawMessage(entry.Payload),
	}

	if err := d.publisher.Publish(ctx, job); err != nil {
		return err
	}

	if err := d.store.MarkCompleted(ctx, entry.ID); err != nil {
		// The publish stands; redelivery after reclaim is absorbed by
		// consumer-side idempotency.
		return fmt.Errorf("published but not marked completed: %w", err)
	}

	return nil
}

// recordFailure schedules the next retry with capped exponential backoff
// and returns the entry's resulting status.
func (d *Dispatcher) recordFailure(ctx context.Context, entry *storage.OutboxEntry, dispatchErr error) string {
	delay := d.backoff(entry.RetryCount)

	status, err := d.store.MarkRetry(ctx, entry.ID, delay, dispatchErr.Error())
	if err != nil {
		d.logger.Error("failed to schedule retry",
			"entry_id", entry.ID,
			"event_id", entry.EventID,
			"error", err,
		)

		return entry.Status
	}

	level := slog.LevelWarn
	if status == storage.OutboxStatusFailed {
		level = slog.LevelError
	}

	d.logger.Log(ctx, level, "dispatch failed",
		"entry_id", entry.ID,
		"event_id", entry.EventID,
		"event_type", entry.EventType,
		"retry_count", entry.RetryCount+1,
		"status", status,
		"next_delay", delay.String(),
		"error", dispatchErr,
	)

	return status
}

// backoff doubles the base delay per attempt already made, bounded by the cap.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < attempts && delay < d.cfg.BackoffCap; i++ {
		delay *= 2
	}

	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}

	return delay
}

// Metrics reports outbox row counts by status.
func (d *Dispatcher) Metrics(ctx context.Context) (storage.OutboxMetrics, error) {
	return d.store.Metrics(ctx)
}

// Close stops polling and waits for an in-flight tick to finish.
func (d *Dispatcher) Close() error {
	d.stopOnce.Do(func() {
		close(d.stop)

		if !d.started.Load() {
			return
		}

		select {
		case <-d.done:
		case <-time.After(tickTimeout):
			d.logger.Warn("timed out waiting for dispatch loop to stop")
		}
	})

	return nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/event"
)

const defaultMaxPayloadBytes = 1 << 20 // 1 MiB

var (
	// ErrEventStoreFailed is returned when persisting events or outbox rows fails.
	ErrEventStoreFailed = errors.New("event store operation failed")

	// ErrPayloadTooLarge is returned when a serialized event payload exceeds
	// the configured cap. Oversized payloads would fail later at the queue,
	// so they are rejected inside the transaction instead.
	ErrPayloadTooLarge = errors.New("event payload exceeds maximum size")
)

type (
	// EventStore persists domain events together with their outbox entries.
	// Both inserts happen inside the caller's transaction so that aggregate
	// state, events, and outbox rows commit or roll back as one unit.
	EventStore struct {
		conn            *Connection
		logger          *slog.Logger
		maxPayloadBytes int
	}

	// PersistFunc inserts events and their outbox rows within the enclosing
	// transaction and returns the event ids in input order.
	PersistFunc func(ctx context.Context, events []event.Event) ([]string, error)

	// envelope is the outbox payload blob: the event payload plus its full
	// metadata, so dispatch never re-reads the domain_events row.
	envelope struct {
		Payload  map[string]any `json:"payload"`
		Metadata event.Metadata `json:"metadata"`
	}
)

// NewEventStore creates an event store on the given connection.
func NewEventStore(conn *Connection) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		maxPayloadBytes: config.GetEnvInt("OUTBOX_MAX_PAYLOAD_BYTES", defaultMaxPayloadBytes),
	}, nil
}

// WithTransaction runs fn inside one database transaction. fn receives the
// transaction for entity-state writes and a PersistFunc for event writes.
// Any error from fn aborts the transaction and is returned unchanged.
//
// No external I/O happens inside the transaction; queue contact is the
// dispatcher's job after commit.
func (s *EventStore) WithTransaction(ctx context.Context, fn func(tx *sql.Tx, persist PersistFunc) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	persist := func(ctx context.Context, events []event.Event) ([]string, error) {
		return s.persistEvents(ctx, tx, events)
	}

	if err := fn(tx, persist); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// persistEvents inserts each event into domain_events and a matching pending
// row into event_outbox, preserving input order. occurred_at is assigned by
// the database at insert time.
func (s *EventStore) persistEvents(ctx context.Context, tx *sql.Tx, events []event.Event) ([]string, error) {
	ids := make([]string, 0, len(events))

	for i := range events {
		ev := &events[i]

		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		if ev.Metadata.ProducedAt.IsZero() {
			ev.Metadata.ProducedAt = time.Now().UTC()
		}

		payloadJSON, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal payload: %w", ErrEventStoreFailed, err)
		}

		metadataJSON, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal metadata: %w", ErrEventStoreFailed, err)
		}

		envelopeJSON, err := json.Marshal(envelope{Payload: ev.Payload, Metadata: ev.Metadata})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal outbox payload: %w", ErrEventStoreFailed, err)
		}

		if len(envelopeJSON) > s.maxPayloadBytes {
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(envelopeJSON), s.maxPayloadBytes)
		}

		if err := insertDomainEvent(ctx, tx, ev, payloadJSON, metadataJSON); err != nil {
			return nil, err
		}

		if err := insertOutboxEntry(ctx, tx, ev, envelopeJSON); err != nil {
			return nil, err
		}

		ids = append(ids, ev.ID)
	}

	return ids, nil
}

func insertDomainEvent(ctx context.Context, tx *sql.Tx, ev *event.Event, payloadJSON, metadataJSON []byte) error {
	query := `
		INSERT INTO domain_events (
			id,
			aggregate_type,
			aggregate_id,
			event_type,
			event_version,
			payload,
			metadata,
			occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING occurred_at
	`

	err := tx.QueryRowContext(
		ctx,
		query,
		ev.ID,
		ev.AggregateType,
		ev.AggregateID,
		ev.Type,
		ev.SchemaVersion,
		payloadJSON,
		metadataJSON,
	).Scan(&ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert domain event: %w", ErrEventStoreFailed, err)
	}

	return nil
}

func insertOutboxEntry(ctx context.Context, tx *sql.Tx, ev *event.Event, envelopeJSON []byte) error {
	query := `
		INSERT INTO event_outbox (
			id,
			event_id,
			event_type,
			aggregate_type,
			aggregate_id,
			payload,
			status,
			retry_count,
			max_retries,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NOW())
	`

	_, err := tx.ExecContext(
		ctx,
		query,
		event.NewID(),
		ev.ID,
		ev.Type,
		ev.AggregateType,
		ev.AggregateID,
		envelopeJSON,
		OutboxStatusPending,
		defaultMaxRetries,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert outbox entry: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// DecodeEnvelope splits an outbox payload blob back into the event payload
// and its metadata. Shared by the dispatcher and tests.
func DecodeEnvelope(data []byte) (map[string]any, event.Metadata, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, event.Metadata{}, fmt.Errorf("%w: failed to decode outbox payload: %w", ErrEventStoreFailed, err)
	}

	return env.Payload, env.Metadata, nil
}

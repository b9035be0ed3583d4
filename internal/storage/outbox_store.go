package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outbox entry statuses. Rows move pending → processing → completed, with
// pending ← processing on retry and failed as the terminal error state.
// Completed and failed rows never return to pending without operator action.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusCompleted  = "completed"
	OutboxStatusFailed     = "failed"
)

const defaultMaxRetries = 5

var (
	// ErrOutboxStoreFailed is returned when an outbox storage operation fails.
	ErrOutboxStoreFailed = errors.New("outbox storage failed")
)

type (
	// OutboxEntry is one row of the event_outbox table: a domain event
	// awaiting delivery to the queue, with denormalized routing fields so
	// dispatch does not re-read the event row.
	OutboxEntry struct {
		ID            string
		EventID       string
		EventType     string
		AggregateType string
		AggregateID   string
		Payload       []byte
		Status        string
		RetryCount    int
		MaxRetries    int
		LastError     string
		CreatedAt     time.Time
		ProcessedAt   *time.Time
		NextRetryAt   *time.Time
	}

	// OutboxMetrics reports row counts by status for health checks.
	OutboxMetrics struct {
		Pending    int `json:"pending"`
		Processing int `json:"processing"`
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
	}

	// OutboxStore owns outbox status transitions and retry scheduling.
	OutboxStore struct {
		conn *Connection
	}
)

// NewOutboxStore creates an outbox store on the given connection.
func NewOutboxStore(conn *Connection) (*OutboxStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &OutboxStore{conn: conn}, nil
}

// ClaimBatch claims up to batchSize deliverable rows and marks them
// processing, in one short transaction.
//
// A row is deliverable when it is pending and its backoff has elapsed, or
// when it is processing but its reclaim deadline has passed (a previous
// claimer crashed between claim and enqueue). FOR UPDATE SKIP LOCKED lets
// concurrent dispatcher processes claim disjoint rows.
//
// reclaimAfter is written into next_retry_at at claim time, so a crashed
// claim becomes reclaimable after that interval.
func (s *OutboxStore) ClaimBatch(ctx context.Context, batchSize int, reclaimAfter time.Duration) ([]OutboxEntry, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin claim transaction: %w", ErrOutboxStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	query := `
		UPDATE event_outbox
		SET status = $1, next_retry_at = NOW() + $2 * INTERVAL '1 second'
		WHERE id IN (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = $3 AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
				OR (status = $1 AND next_retry_at <= NOW())
			)
			AND retry_count < max_retries
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, event_type, aggregate_type, aggregate_id, payload,
			status, retry_count, max_retries, COALESCE(last_error, ''), created_at, processed_at, next_retry_at
	`

	rows, err := tx.QueryContext(
		ctx,
		query,
		OutboxStatusProcessing,
		reclaimAfter.Seconds(),
		OutboxStatusPending,
		batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to claim outbox rows: %w", ErrOutboxStoreFailed, err)
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit claim transaction: %w", ErrOutboxStoreFailed, err)
	}

	return entries, nil
}

// MarkCompleted records a successful enqueue. Terminal: completed rows are
// only reclaimed by operator intervention.
func (s *OutboxStore) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE event_outbox
		SET status = $1, processed_at = NOW(), next_retry_at = NULL
		WHERE id = $2
	`

	if _, err := s.conn.ExecContext(ctx, query, OutboxStatusCompleted, id); err != nil {
		return fmt.Errorf("%w: failed to mark entry completed: %w", ErrOutboxStoreFailed, err)
	}

	return nil
}

// MarkRetry records a failed enqueue attempt. The retry count is
// incremented; below max_retries the row returns to pending with
// next_retry_at = NOW() + delay, at max_retries it becomes failed and is
// left for operator inspection. Returns the resulting status.
func (s *OutboxStore) MarkRetry(ctx context.Context, id string, delay time.Duration, lastError string) (string, error) {
	query := `
		UPDATE event_outbox
		SET retry_count = retry_count + 1,
			last_error = $1,
			status = CASE
				WHEN retry_count + 1 >= max_retries THEN $2
				ELSE $3
			END,
			next_retry_at = CASE
				WHEN retry_count + 1 >= max_retries THEN NULL
				ELSE NOW() + $4 * INTERVAL '1 second'
			END
		WHERE id = $5
		RETURNING status
	`

	var status string

	err := s.conn.QueryRowContext(
		ctx,
		query,
		lastError,
		OutboxStatusFailed,
		OutboxStatusPending,
		delay.Seconds(),
		id,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("%w: failed to record retry: %w", ErrOutboxStoreFailed, err)
	}

	return status, nil
}

// Metrics returns outbox row counts by status.
func (s *OutboxStore) Metrics(ctx context.Context) (OutboxMetrics, error) {
	query := `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return OutboxMetrics{}, fmt.Errorf("%w: failed to query metrics: %w", ErrOutboxStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var metrics OutboxMetrics

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return OutboxMetrics{}, fmt.Errorf("%w: failed to scan metrics row: %w", ErrOutboxStoreFailed, err)
		}

		switch status {
		case OutboxStatusPending:
			metrics.Pending = count
		case OutboxStatusProcessing:
			metrics.Processing = count
		case OutboxStatusCompleted:
			metrics.Completed = count
		case OutboxStatusFailed:
			metrics.Failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return OutboxMetrics{}, fmt.Errorf("%w: metrics iteration failed: %w", ErrOutboxStoreFailed, err)
	}

	return metrics, nil
}

// PruneCompleted deletes completed rows older than the retention window.
// Never called by the dispatcher; exposed for operator tooling only.
func (s *OutboxStore) PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM event_outbox
		WHERE status = $1 AND processed_at < NOW() - $2 * INTERVAL '1 second'
	`

	result, err := s.conn.ExecContext(ctx, query, OutboxStatusCompleted, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune completed entries: %w", ErrOutboxStoreFailed, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count pruned rows: %w", ErrOutboxStoreFailed, err)
	}

	return deleted, nil
}

// GetByEventID returns the outbox entry for an event id. Used by tests and
// operator tooling.
func (s *OutboxStore) GetByEventID(ctx context.Context, eventID string) (*OutboxEntry, error) {
	query := `
		SELECT id, event_id, event_type, aggregate_type, aggregate_id, payload,
			status, retry_count, max_retries, COALESCE(last_error, ''), created_at, processed_at, next_retry_at
		FROM event_outbox
		WHERE event_id = $1
	`

	var entry OutboxEntry

	err := s.conn.QueryRowContext(ctx, query, eventID).Scan(
		&entry.ID,
		&entry.EventID,
		&entry.EventType,
		&entry.AggregateType,
		&entry.AggregateID,
		&entry.Payload,
		&entry.Status,
		&entry.RetryCount,
		&entry.MaxRetries,
		&entry.LastError,
		&entry.CreatedAt,
		&entry.ProcessedAt,
		&entry.NextRetryAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load outbox entry: %w", ErrOutboxStoreFailed, err)
	}

	return &entry, nil
}

func scanOutboxEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
},
) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry

	for rows.Next() {
		var entry OutboxEntry

		if err := rows.Scan(
			&entry.ID,
			&entry.EventID,
			&entry.EventType,
			&entry.AggregateType,
			&entry.AggregateID,
			&entry.Payload,
			&entry.Status,
			&entry.RetryCount,
			&entry.MaxRetries,
			&entry.LastError,
			&entry.CreatedAt,
			&entry.ProcessedAt,
			&entry.NextRetryAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan outbox row: %w", ErrOutboxStoreFailed, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: claim iteration failed: %w", ErrOutboxStoreFailed, err)
	}

	return entries, nil
}

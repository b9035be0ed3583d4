package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLedgerStoreFailed is returned when an idempotency ledger operation fails.
	ErrLedgerStoreFailed = errors.New("idempotency ledger operation failed")
)

// LedgerStore is the per-handler idempotency ledger. A (event id, handler
// name) pair is recorded exactly once; redelivered events are detected by
// the unique constraint rather than a read-check race.
type LedgerStore struct {
	conn *Connection
}

// NewLedgerStore creates a ledger store on the given connection.
func NewLedgerStore(conn *Connection) (*LedgerStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &LedgerStore{conn: conn}, nil
}

// Record marks the event as processed by the handler. Returns true when this
// call inserted the row, false when the pair was already recorded. The
// insert races safely: concurrent duplicates resolve through the unique
// constraint, never through a read-then-write window.
func (s *LedgerStore) Record(ctx context.Context, eventID, handlerName string) (bool, error) {
	query := `
		INSERT INTO processed_events (event_id, handler_name, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id, handler_name) DO NOTHING
	`

	result, err := s.conn.ExecContext(ctx, query, eventID, handlerName)
	if err != nil {
		return false, fmt.Errorf("%w: failed to record processed event: %w", ErrLedgerStoreFailed, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to inspect ledger insert: %w", ErrLedgerStoreFailed, err)
	}

	return inserted == 1, nil
}

// Has reports whether the handler already processed the event.
func (s *LedgerStore) Has(ctx context.Context, eventID, handlerName string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE event_id = $1 AND handler_name = $2`

	var one int

	err := s.conn.QueryRowContext(ctx, query, eventID, handlerName).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}

		return false, fmt.Errorf("%w: failed to query ledger: %w", ErrLedgerStoreFailed, err)
	}

	return true, nil
}

// ProcessedAt returns when the handler processed the event, for diagnostics.
func (s *LedgerStore) ProcessedAt(ctx context.Context, eventID, handlerName string) (time.Time, error) {
	query := `SELECT processed_at FROM processed_events WHERE event_id = $1 AND handler_name = $2`

	var processedAt time.Time

	err := s.conn.QueryRowContext(ctx, query, eventID, handlerName).Scan(&processedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: failed to query ledger timestamp: %w", ErrLedgerStoreFailed, err)
	}

	return processedAt, nil
}

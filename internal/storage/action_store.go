package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dispatchr-io/dispatchr/internal/action"
)

var (
	// ErrActionStoreFailed is returned when an action storage operation fails.
	ErrActionStoreFailed = errors.New("action storage failed")

	// ErrActionNotFound is returned when no action exists for the given id.
	ErrActionNotFound = errors.New("action not found")

	// ErrVersionConflict is returned when an aggregate update matched zero
	// rows: another writer committed a newer version first.
	ErrVersionConflict = errors.New("aggregate version conflict")

	// ErrTransientConflict is returned on transaction serialization failures.
	// The command may be retried against fresh state.
	ErrTransientConflict = errors.New("transient transaction conflict")
)

// ActionStore persists the Action aggregate. Writes run inside the event
// store transaction so state, events, and outbox rows commit together.
type ActionStore struct {
	conn *Connection
}

// NewActionStore creates an action store on the given connection.
func NewActionStore(conn *Connection) (*ActionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ActionStore{conn: conn}, nil
}

// Insert writes a freshly created action within the transaction. Timestamps
// are assigned by the database and written back onto the aggregate.
func (s *ActionStore) Insert(ctx context.Context, tx *sql.Tx, a *action.Action) error {
	query := `
		INSERT INTO actions (id, title, description, status, cancel_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err := tx.QueryRowContext(
		ctx,
		query,
		a.ID,
		a.Title,
		a.Description,
		a.Status,
		a.CancelReason,
		a.Version,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to insert action: %w", ErrActionStoreFailed, err)
	}

	return nil
}

// Get loads an action by id.
func (s *ActionStore) Get(ctx context.Context, id string) (*action.Action, error) {
	return scanAction(s.conn.QueryRowContext(ctx, actionSelectQuery, id))
}

// GetTx loads an action by id within the transaction, observing its
// uncommitted writes.
func (s *ActionStore) GetTx(ctx context.Context, tx *sql.Tx, id string) (*action.Action, error) {
	return scanAction(tx.QueryRowContext(ctx, actionSelectQuery, id))
}

// Update writes the mutated aggregate, guarded by the version the command
// loaded. Zero matched rows means a concurrent writer won the race.
func (s *ActionStore) Update(ctx context.Context, tx *sql.Tx, a *action.Action, loadedVersion int) error {
	query := `
		UPDATE actions
		SET title = $1, description = $2, status = $3, cancel_reason = $4,
			version = $5, updated_at = NOW()
		WHERE id = $6 AND version = $7
	`

	result, err := tx.ExecContext(
		ctx,
		query,
		a.Title,
		a.Description,
		a.Status,
		a.CancelReason,
		a.Version,
		a.ID,
		loadedVersion,
	)
	if err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %w", ErrTransientConflict, err)
		}

		return fmt.Errorf("%w: failed to update action: %w", ErrActionStoreFailed, err)
	}

	matched, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to inspect action update: %w", ErrActionStoreFailed, err)
	}

	if matched == 0 {
		return fmt.Errorf("%w: action %s at version %d", ErrVersionConflict, a.ID, loadedVersion)
	}

	return nil
}

const actionSelectQuery = `
	SELECT id, title, description, status, COALESCE(cancel_reason, ''), version, created_at, updated_at
	FROM actions
	WHERE id = $1
`

func scanAction(row *sql.Row) (*action.Action, error) {
	var a action.Action

	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.Description,
		&a.Status,
		&a.CancelReason,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrActionNotFound
		}

		return nil, fmt.Errorf("%w: failed to load action: %w", ErrActionStoreFailed, err)
	}

	return &a, nil
}

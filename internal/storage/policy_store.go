package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dispatchr-io/dispatchr/internal/policy"
)

var (
	// ErrPolicyStoreFailed is returned when a policy storage operation fails.
	ErrPolicyStoreFailed = errors.New("policy storage failed")

	// ErrPolicyNotFound is returned when no policy exists for the given id.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrDuplicatePolicyName is returned when a policy name is already taken.
	ErrDuplicatePolicyName = errors.New("policy name already exists")
)

// PolicyStore persists the Policy aggregate. Writes run inside the event
// store transaction so state, events, and outbox rows commit together.
type PolicyStore struct {
	conn *Connection
}

// NewPolicyStore creates a policy store on the given connection.
func NewPolicyStore(conn *Connection) (*PolicyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PolicyStore{conn: conn}, nil
}

// Insert writes a freshly created policy within the transaction.
func (s *PolicyStore) Insert(ctx context.Context, tx *sql.Tx, p *policy.Policy) error {
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal rules: %w", ErrPolicyStoreFailed, err)
	}

	query := `
		INSERT INTO policies (id, name, rules, status, suspend_reason, revoke_reason, revoked_by, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err = tx.QueryRowContext(
		ctx,
		query,
		p.ID,
		p.Name,
		rulesJSON,
		p.Status,
		p.SuspendReason,
		p.RevokeReason,
		p.RevokedBy,
		p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicatePolicyName, p.Name)
		}

		return fmt.Errorf("%w: failed to insert policy: %w", ErrPolicyStoreFailed, err)
	}

	return nil
}

// Get loads a policy by id.
func (s *PolicyStore) Get(ctx context.Context, id string) (*policy.Policy, error) {
	return scanPolicy(s.conn.QueryRowContext(ctx, policySelectQuery, id))
}

// GetTx loads a policy by id within the transaction, observing its
// uncommitted writes.
func (s *PolicyStore) GetTx(ctx context.Context, tx *sql.Tx, id string) (*policy.Policy, error) {
	return scanPolicy(tx.QueryRowContext(ctx, policySelectQuery, id))
}

// Update writes the mutated aggregate, guarded by the version the command
// loaded. Zero matched rows means a concurrent writer won the race.
func (s *PolicyStore) Update(ctx context.Context, tx *sql.Tx, p *policy.Policy, loadedVersion int) error {
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal rules: %w", ErrPolicyStoreFailed, err)
	}

	query := `
		UPDATE policies
		SET name = $1, rules = $2, status = $3, suspend_reason = $4,
			revoke_reason = $5, revoked_by = $6, version = $7, updated_at = NOW()
		WHERE id = $8 AND version = $9
	`

	result, err := tx.ExecContext(
		ctx,
		query,
		p.Name,
		rulesJSON,
		p.Status,
		p.SuspendReason,
		p.RevokeReason,
		p.RevokedBy,
		p.Version,
		p.ID,
		loadedVersion,
	)
	if err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %w", ErrTransientConflict, err)
		}

		return fmt.Errorf("%w: failed to update policy: %w", ErrPolicyStoreFailed, err)
	}

	matched, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to inspect policy update: %w", ErrPolicyStoreFailed, err)
	}

	if matched == 0 {
		return fmt.Errorf("%w: policy %s at version %d", ErrVersionConflict, p.ID, loadedVersion)
	}

	return nil
}

const policySelectQuery = `
	SELECT id, name, rules, status, COALESCE(suspend_reason, ''),
		COALESCE(revoke_reason, ''), COALESCE(revoked_by, ''), version, created_at, updated_at
	FROM policies
	WHERE id = $1
`

func scanPolicy(row *sql.Row) (*policy.Policy, error) {
	var (
		p         policy.Policy
		rulesJSON []byte
	)

	err := row.Scan(
		&p.ID,
		&p.Name,
		&rulesJSON,
		&p.Status,
		&p.SuspendReason,
		&p.RevokeReason,
		&p.RevokedBy,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrPolicyNotFound
		}

		return nil, fmt.Errorf("%w: failed to load policy: %w", ErrPolicyStoreFailed, err)
	}

	if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
		return nil, fmt.Errorf("%w: failed to decode rules: %w", ErrPolicyStoreFailed, err)
	}

	return &p, nil
}

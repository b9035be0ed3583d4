package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuditStoreFailed is returned when an audit trail operation fails.
	ErrAuditStoreFailed = errors.New("audit storage failed")

	// ErrAuditEntryInvalid is returned when an audit entry misses required fields.
	ErrAuditEntryInvalid = errors.New("invalid audit entry")
)

type (
	// AuditEntry is one immutable row of the audit trail. Snapshots and
	// changes are free-form JSON documents produced by the audit handler.
	AuditEntry struct {
		ID             string
		CorrelationID  string
		EntityType     string
		EntityID       string
		Action         string
		ActorID        string
		ActorEmail     string
		ActorIP        string
		ActorUserAgent string
		BeforeSnapshot map[string]any
		AfterSnapshot  map[string]any
		Changes        map[string]any
		Metadata       map[string]any
		OccurredAt     time.Time
	}

	// AuditStore is the insert-only persistence for audit entries. There is
	// deliberately no update or delete path.
	AuditStore struct {
		conn *Connection
	}
)

// NewAuditStore creates an audit store on the given connection.
func NewAuditStore(conn *Connection) (*AuditStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AuditStore{conn: conn}, nil
}

// Insert appends one audit entry. occurred_at defaults to NOW() when the
// entry carries no timestamp.
func (s *AuditStore) Insert(ctx context.Context, entry *AuditEntry) error {
	if entry.EntityType == "" || entry.EntityID == "" || entry.Action == "" {
		return fmt.Errorf("%w: entity type, entity id and action are required", ErrAuditEntryInvalid)
	}

	if entry.ID == "" {
		return fmt.Errorf("%w: id is required", ErrAuditEntryInvalid)
	}

	before, err := marshalNullable(entry.BeforeSnapshot)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal before snapshot: %w", ErrAuditStoreFailed, err)
	}

	after, err := marshalNullable(entry.AfterSnapshot)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal after snapshot: %w", ErrAuditStoreFailed, err)
	}

	changes, err := marshalNullable(entry.Changes)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal changes: %w", ErrAuditStoreFailed, err)
	}

	metadata, err := marshalNullable(entry.Metadata)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal metadata: %w", ErrAuditStoreFailed, err)
	}

	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (
			id,
			correlation_id,
			entity_type,
			entity_id,
			action,
			actor_id,
			actor_email,
			actor_ip,
			actor_user_agent,
			before_snapshot,
			after_snapshot,
			changes,
			metadata,
			occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		entry.ID,
		entry.CorrelationID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.ActorID,
		entry.ActorEmail,
		entry.ActorIP,
		entry.ActorUserAgent,
		before,
		after,
		changes,
		metadata,
		occurredAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert audit entry: %w", ErrAuditStoreFailed, err)
	}

	return nil
}

// ListByEntity returns the audit trail of one entity, newest first.
func (s *AuditStore) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]AuditEntry, error) {
	query := `
		SELECT id, correlation_id, entity_type, entity_id, action,
			COALESCE(actor_id, ''), COALESCE(actor_email, ''),
			COALESCE(actor_ip, ''), COALESCE(actor_user_agent, ''),
			before_snapshot, after_snapshot, changes, metadata, occurred_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`

	rows, err := s.conn.QueryContext(ctx, query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query audit trail: %w", ErrAuditStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry

	for rows.Next() {
		var (
			entry    AuditEntry
			before   []byte
			after    []byte
			changes  []byte
			metadata []byte
		)

		if err := rows.Scan(
			&entry.ID,
			&entry.CorrelationID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.ActorID,
			&entry.ActorEmail,
			&entry.ActorIP,
			&entry.ActorUserAgent,
			&before,
			&after,
			&changes,
			&metadata,
			&entry.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan audit row: %w", ErrAuditStoreFailed, err)
		}

		if err := unmarshalNullable(before, &entry.BeforeSnapshot); err != nil {
			return nil, fmt.Errorf("%w: failed to decode before snapshot: %w", ErrAuditStoreFailed, err)
		}

		if err := unmarshalNullable(after, &entry.AfterSnapshot); err != nil {
			return nil, fmt.Errorf("%w: failed to decode after snapshot: %w", ErrAuditStoreFailed, err)
		}

		if err := unmarshalNullable(changes, &entry.Changes); err != nil {
			return nil, fmt.Errorf("%w: failed to decode changes: %w", ErrAuditStoreFailed, err)
		}

		if err := unmarshalNullable(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("%w: failed to decode metadata: %w", ErrAuditStoreFailed, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: audit trail iteration failed: %w", ErrAuditStoreFailed, err)
	}

	return entries, nil
}

// marshalNullable maps a nil document to SQL NULL instead of JSON "null".
func marshalNullable(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}

	return json.Marshal(doc)
}

func unmarshalNullable(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}

	return json.Unmarshal(data, dst)
}

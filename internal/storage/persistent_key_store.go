package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/event"
	"github.com/dispatchr-io/dispatchr/internal/requestctx"
)

const (
	keyCreated = "create"
	keyUpdated = "update"
	keyDeleted = "delete"
)

// PersistentKeyStore implements APIKeyStore with a PostgreSQL backend.
// Key mutations are recorded in the audit_log table alongside every other
// entity mutation in the system.
type PersistentKeyStore struct {
	conn   *Connection
	audit  *AuditStore
	logger *slog.Logger
}

// NewPersistentKeyStore creates a PostgreSQL key store backed by the shared
// connection pool.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	audit, err := NewAuditStore(conn)
	if err != nil {
		return nil, err
	}

	return &PersistentKeyStore{
		conn:  conn,
		audit: audit,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "key_store"),
	}, nil
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (s *PersistentKeyStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// HealthCheck verifies the backing database is reachable.
func (s *PersistentKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// FindByKey retrieves an API key by its key value using bcrypt hash comparison.
// Queries all active keys and compares hashes in-memory (acceptable for
// deployments with <1000 keys).
// Returns (nil, false) if key not found or invalid.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	query := `
		SELECT id, key_hash, service_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE active = TRUE
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	var keyFound *APIKey

	// Iterate through active keys and compare hashes
	for rows.Next() {
		var (
			apiKey          APIKey
			permissionsJSON []byte
		)

		err := rows.Scan(
			&apiKey.ID,
			&apiKey.Key, // The stored hash, used only for comparison below
			&apiKey.ServiceID,
			&apiKey.Name,
			&permissionsJSON,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
		)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
			continue
		}

		if CompareAPIKeyHash(apiKey.Key, key) {
			// Found a match. Mask the key so neither the plaintext nor the
			// hash leaves the store.
			apiKey.Key = MaskKey(apiKey.Key)
			keyFound = &apiKey

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to find key", slog.String("error", err.Error()))

		return nil, false
	}

	return keyFound, keyFound != nil
}

// Add stores a new API key with bcrypt hashing and audit logging.
// The plaintext key is hashed with bcrypt before storage.
//
// Duplicate detection queries all active keys and compares hashes, because
// bcrypt generates a different hash for the same input on every call.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, key_hash, service_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		apiKey.ServiceID,
		apiKey.Name,
		permissionsJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyAlreadyExists
		}

		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.logAudit(ctx, keyCreated, apiKey)

	return nil
}

// Update modifies an existing API key with audit logging.
// Updates name, permissions, active status, and expiration.
// The key hash itself cannot be updated for security reasons.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE api_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		apiKey.Name,
		permissionsJSON,
		apiKey.Active,
		apiKey.ExpiresAt,
		apiKey.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.logAudit(ctx, keyUpdated, apiKey)

	return nil
}

// Delete performs a soft delete on an API key by setting active=FALSE.
// The row is not physically removed, preserving the audit trail.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	query := `
		UPDATE api_keys
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.logAudit(ctx, keyDeleted, &APIKey{ID: keyID})

	return nil
}

// ListByService returns all active API keys for a specific service.
// Uses the idx_api_keys_service_id index.
func (s *PersistentKeyStore) ListByService(ctx context.Context, serviceID string) ([]*APIKey, error) {
	if serviceID == "" {
		return nil, ErrServiceIDEmpty
	}

	query := `
		SELECT id, key_hash, service_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE service_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []*APIKey

	for rows.Next() {
		var (
			apiKey          APIKey
			permissionsJSON []byte
		)

		err := rows.Scan(
			&apiKey.ID,
			&apiKey.Key, // The stored hash, masked before returning
			&apiKey.ServiceID,
			&apiKey.Name,
			&permissionsJSON,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
		)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)

		keys = append(keys, &apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// Return empty slice (not nil) if no keys found
	if keys == nil {
		keys = []*APIKey{}
	}

	return keys, nil
}

// permissionsToJSON converts a permissions slice to JSON format for PostgreSQL JSONB storage.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// logAudit records an API key mutation in the audit log. Audit failures are
// logged but never fail the key operation itself.
func (s *PersistentKeyStore) logAudit(ctx context.Context, operation string, apiKey *APIKey) {
	entry := &AuditEntry{
		ID:         event.NewID(),
		EntityType: "api_key",
		EntityID:   apiKey.ID,
		Action:     operation,
		Metadata: map[string]any{
			"serviceId": apiKey.ServiceID,
			"maskedKey": MaskKey(apiKey.Key),
		},
		OccurredAt: time.Now().UTC(),
	}

	if rc, ok := requestctx.From(ctx); ok {
		entry.CorrelationID = rc.CorrelationID
		entry.ActorID = rc.Actor.ID
	}

	if err := s.audit.Insert(ctx, entry); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
	}
}

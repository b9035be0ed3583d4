package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRunner provisions a bare database and a runner against it. This
// package cannot use the shared test database helper because that helper
// imports this package and applies the migrations itself.
func setupRunner(ctx context.Context, t *testing.T) *Runner {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dispatchr_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	runner, err := NewRunner(NewConfig(connStr))
	if err != nil {
		t.Fatalf("NewRunner() unexpected error: %v", err)
	}

	t.Cleanup(func() { _ = runner.Close() })

	return runner
}

func tableExists(ctx context.Context, t *testing.T, r *Runner, table string) bool {
	t.Helper()

	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		table,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}

	return exists
}

func TestRunnerUpCreatesSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner := setupRunner(ctx, t)

	if err := runner.Up(); err != nil {
		t.Fatalf("Up() unexpected error: %v", err)
	}

	tables := []string{
		"domain_events",
		"event_outbox",
		"processed_events",
		"actions",
		"policies",
		"audit_log",
		"api_keys",
	}

	for _, table := range tables {
		if !tableExists(ctx, t, runner, table) {
			t.Errorf("table %s missing after Up()", table)
		}
	}

	// A second Up is a no-op, not an error
	if err := runner.Up(); err != nil {
		t.Errorf("second Up() unexpected error: %v", err)
	}
}

func TestRunnerDownRollsBackLastMigration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner := setupRunner(ctx, t)

	if err := runner.Up(); err != nil {
		t.Fatalf("Up() unexpected error: %v", err)
	}

	if err := runner.Down(); err != nil {
		t.Fatalf("Down() unexpected error: %v", err)
	}

	// The last migration creates api_keys; earlier tables survive
	if tableExists(ctx, t, runner, "api_keys") {
		t.Error("api_keys still present after Down()")
	}

	if !tableExists(ctx, t, runner, "event_outbox") {
		t.Error("event_outbox missing after a single-step rollback")
	}
}

func TestRunnerStatusAndVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	runner := setupRunner(ctx, t)

	// Status and Version work before any migration is applied
	if err := runner.Status(); err != nil {
		t.Errorf("Status() on fresh database unexpected error: %v", err)
	}

	if err := runner.Version(); err != nil {
		t.Errorf("Version() on fresh database unexpected error: %v", err)
	}

	if err := runner.Up(); err != nil {
		t.Fatalf("Up() unexpected error: %v", err)
	}

	if err := runner.Status(); err != nil {
		t.Errorf("Status() unexpected error: %v", err)
	}

	var version int
	if err := runner.db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations`,
	).Scan(&version); err != nil {
		t.Fatalf("failed to read schema_migrations: %v", err)
	}

	if version != MaxVersion() {
		t.Errorf("applied version = %d, want %d", version, MaxVersion())
	}
}

package migrations

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrDatabaseURLRequired is returned when DATABASE_URL is unset.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

	// ErrMigrationTableRequired is returned when the tracking table name is empty.
	ErrMigrationTableRequired = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds migration tool configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table tracking applied migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// NewConfig builds a Config for a known database URL. Used by tests that
// provision their own database.
func NewConfig(databaseURL string) *Config {
	return &Config{DatabaseURL: databaseURL, MigrationTable: "schema_migrations"}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableRequired
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default when
// unset or empty. Local on purpose: this package must not depend on
// internal/config, which imports it for the embedded migration FS.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL masks the password component of a database URL.
func maskDatabaseURL(url string) string {
	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	atIndex := strings.LastIndex(afterScheme, "@")
	if atIndex == -1 {
		return url
	}

	userInfo := afterScheme[:atIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 || colonIndex == len(userInfo)-1 {
		return url
	}

	return url[:schemeEnd+3] + userInfo[:colonIndex] + ":***" + afterScheme[atIndex:]
}

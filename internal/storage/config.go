package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
)

// Config holds PostgreSQL connection pool configuration. The URL stays
// unexported so it can only leave the struct masked.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig loads PostgreSQL configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	cfg := NewConfig(config.GetEnvStr("DATABASE_URL", ""))
	cfg.MaxOpenConns = config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns)
	cfg.MaxIdleConns = config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns)
	cfg.ConnMaxLifetime = config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime)
	cfg.ConnMaxIdleTime = config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime)

	return cfg
}

// NewConfig builds a Config with default pool sizing for a known database
// URL. Used by tests and tooling that already resolved the URL.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks that a database URL is configured.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the database URL with the password replaced by
// "***", safe for logging. URLs without a password pass through unchanged.
func (c *Config) MaskDatabaseURL() string {
	url := c.databaseURL

	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	// The last @ separates userinfo from host; passwords may contain @.
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

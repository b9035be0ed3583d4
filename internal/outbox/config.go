package outbox

import (
	"errors"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
)

const (
	defaultPollInterval    = time.Second
	defaultBatchSize       = 100
	defaultReclaimInterval = time.Minute
	defaultBackoffBase     = time.Second
	defaultBackoffCap      = 5 * time.Minute
)

var (
	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")

	// ErrInvalidPollInterval is returned when the poll interval is not positive.
	ErrInvalidPollInterval = errors.New("outbox poll interval must be positive")
)

// Config holds dispatcher tuning.
type Config struct {
	PollInterval    time.Duration // Delay between dispatch ticks
	BatchSize       int           // Max rows claimed per tick
	ReclaimInterval time.Duration // How long a claim holds before crash recovery
	BackoffBase     time.Duration // First retry delay
	BackoffCap      time.Duration // Upper bound on retry delay
}

// LoadConfig loads dispatcher configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		PollInterval:    config.GetEnvDuration("OUTBOX_POLL_INTERVAL", defaultPollInterval),
		BatchSize:       config.GetEnvInt("OUTBOX_BATCH_SIZE", defaultBatchSize),
		ReclaimInterval: config.GetEnvDuration("OUTBOX_RECLAIM_INTERVAL", defaultReclaimInterval),
		BackoffBase:     config.GetEnvDuration("OUTBOX_BACKOFF_BASE", defaultBackoffBase),
		BackoffCap:      config.GetEnvDuration("OUTBOX_BACKOFF_CAP", defaultBackoffCap),
	}
}

// Validate checks if the dispatcher configuration is valid.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return ErrInvalidBatchSize
	}

	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	return nil
}

package queue

import (
	"errors"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/config"
)

const (
	defaultBrokers        = "localhost:9092"
	defaultTopic          = "domain-events"
	defaultDLQTopic       = "domain-events.failed"
	defaultGroupID        = "dispatchr-workers"
	defaultMaxAttempts    = 3
	defaultRetryBackoff   = time.Second
	defaultHandlerTimeout = 30 * time.Second
)

var (
	// ErrNoBrokers is returned when the broker list is empty.
	ErrNoBrokers = errors.New("queue brokers cannot be empty")

	// ErrInvalidMaxAttempts is returned when max attempts is not positive.
	ErrInvalidMaxAttempts = errors.New("queue max attempts must be positive")
)

// Config holds queue connection and delivery configuration.
type Config struct {
	Brokers  []string // Kafka bootstrap brokers
	Topic    string   // Topic domain events are published to
	DLQTopic string   // Topic exhausted jobs are parked on
	GroupID  string   // Consumer group id for workers

	MaxAttempts    int           // Delivery attempts before dead-lettering
	RetryBackoff   time.Duration // Base backoff between delivery attempts
	HandlerTimeout time.Duration // Deadline per handler invocation
}

// LoadConfig loads queue configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:        config.ParseCommaSeparatedList(config.GetEnvStr("QUEUE_BROKERS", defaultBrokers)),
		Topic:          config.GetEnvStr("QUEUE_TOPIC", defaultTopic),
		DLQTopic:       config.GetEnvStr("QUEUE_DLQ_TOPIC", defaultDLQTopic),
		GroupID:        config.GetEnvStr("QUEUE_GROUP_ID", defaultGroupID),
		MaxAttempts:    config.GetEnvInt("QUEUE_MAX_ATTEMPTS", defaultMaxAttempts),
		RetryBackoff:   config.GetEnvDuration("QUEUE_RETRY_BACKOFF", defaultRetryBackoff),
		HandlerTimeout: config.GetEnvDuration("QUEUE_HANDLER_TIMEOUT", defaultHandlerTimeout),
	}
}

// Validate checks if the queue configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	return nil
}

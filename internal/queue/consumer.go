package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dispatchr-io/dispatchr/internal/config"
)

var (
	// ErrConsumerClosed is returned when Run exits because the consumer was closed.
	ErrConsumerClosed = errors.New("queue consumer closed")
)

type (
	// JobHandler processes one job. A nil return acknowledges the job; an
	// error triggers the delivery retry ladder.
	JobHandler func(ctx context.Context, job *Job) error

	// Consumer reads jobs from the domain events topic within a consumer
	// group. Each job gets up to MaxAttempts in-process deliveries with
	// exponential backoff; exhausted jobs are parked on the DLQ topic and
	// the offset is committed so the partition keeps moving.
	Consumer struct {
		reader  *kafka.Reader
		dlq     *kafka.Writer
		handler JobHandler
		cfg     *Config
		logger  *slog.Logger
	}
)

// NewConsumer creates a consumer delivering jobs to handler.
func NewConsumer(cfg *Config, handler JobHandler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	if handler == nil {
		return nil, errors.New("job handler is required")
	}

	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		dlq:     newWriter(cfg.Brokers, cfg.DLQTopic),
		handler: handler,
		cfg:     cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "queue-consumer"),
	}, nil
}

// Run fetches and processes jobs until ctx is cancelled or the consumer is
// closed. It returns nil on orderly shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "consumer started",
		"topic", c.cfg.Topic,
		"group", c.cfg.GroupID,
		"max_attempts", c.cfg.MaxAttempts,
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		c.processMessage(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// processMessage runs the delivery retry ladder for one message. It always
// terminates: either a handler attempt succeeds or the job is dead-lettered.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	job, err := ParseJob(msg.Value)
	if err != nil {
		// Undecodable messages can never succeed; park them immediately.
		c.deadLetterRaw(ctx, msg, err)

		return
	}

	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		lastErr = c.handler(attemptCtx, job)

		cancel()

		if lastErr == nil {
			return
		}

		c.logger.WarnContext(ctx, "job attempt failed",
			"event_id", job.EventID,
			"event_type", job.EventType,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", lastErr,
		)

		if attempt < c.cfg.MaxAttempts {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return
			}
		}
	}

	c.deadLetter(ctx, job, lastErr)
}

// backoff returns the delay before the next delivery attempt: base doubled
// per attempt already made.
func (c *Consumer) backoff(attempt int) time.Duration {
	return c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
}

func (c *Consumer) deadLetter(ctx context.Context, job *Job, lastErr error) {
	data, err := job.Marshal()
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to marshal dead letter", "event_id", job.EventID, "error", err)

		return
	}

	lastError := ""
	if lastErr != nil {
		lastError = lastErr.Error()
	}

	msg := kafka.Message{
		Key:   []byte(job.EventID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(job.EventType)},
			{Key: "attempts-made", Value: []byte(strconv.Itoa(c.cfg.MaxAttempts))},
			{Key: "last-error", Value: []byte(lastError)},
		},
	}

	if err := c.dlq.WriteMessages(ctx, msg); err != nil {
		c.logger.ErrorContext(ctx, "failed to write dead letter",
			"event_id", job.EventID,
			"error", err,
		)

		return
	}

	c.logger.ErrorContext(ctx, "job dead-lettered after exhausting attempts",
		"event_id", job.EventID,
		"event_type", job.EventType,
		"attempts", c.cfg.MaxAttempts,
		"last_error", lastError,
	)
}

// deadLetterRaw parks a message that could not be decoded, preserving the
// original bytes for inspection.
func (c *Consumer) deadLetterRaw(ctx context.Context, msg kafka.Message, parseErr error) {
	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "last-error", Value: []byte(parseErr.Error())},
		},
	}

	if err := c.dlq.WriteMessages(ctx, dead); err != nil {
		c.logger.ErrorContext(ctx, "failed to write undecodable dead letter", "error", err)

		return
	}

	c.logger.ErrorContext(ctx, "undecodable job dead-lettered", "error", parseErr)
}

// Close stops the reader and flushes the DLQ writer.
func (c *Consumer) Close() error {
	return errors.Join(c.reader.Close(), c.dlq.Close())
}

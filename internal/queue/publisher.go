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

const publishBatchTimeout = 10 * time.Millisecond

var (
	// ErrPublishFailed is returned when a job cannot be written to the queue.
	ErrPublishFailed = errors.New("queue publish failed")
)

// Publisher writes jobs to the domain events topic and dead letters to the
// DLQ topic. The message key is the event id; each event hashes to a
// partition independently, so consumers must not assume cross-event
// ordering. Per-handler idempotency, not ordering, is the delivery
// guarantee.
type Publisher struct {
	writer    *kafka.Writer
	dlqWriter *kafka.Writer
	logger    *slog.Logger
}

// NewPublisher creates a publisher for the configured topics.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}

	return &Publisher{
		writer:    newWriter(cfg.Brokers, cfg.Topic),
		dlqWriter: newWriter(cfg.Brokers, cfg.DLQTopic),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "queue-publisher"),
	}, nil
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: publishBatchTimeout,
	}
}

// Publish writes one job to the domain events topic.
func (p *Publisher) Publish(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(job.EventID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(job.EventType)},
			{Key: "aggregate-type", Value: []byte(job.AggregateType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	p.logger.DebugContext(ctx, "job published",
		"event_id", job.EventID,
		"event_type", job.EventType,
	)

	return nil
}

// PublishDeadLetter parks an exhausted job on the DLQ topic, recording how
// many attempts were made and the last failure.
func (p *Publisher) PublishDeadLetter(ctx context.Context, job *Job, attempts int, lastErr error) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
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
			{Key: "attempts-made", Value: []byte(strconv.Itoa(attempts))},
			{Key: "last-error", Value: []byte(lastError)},
		},
	}

	if err := p.dlqWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	p.logger.WarnContext(ctx, "job dead-lettered",
		"event_id", job.EventID,
		"event_type", job.EventType,
		"attempts", attempts,
		"last_error", lastError,
	)

	return nil
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	return errors.Join(p.writer.Close(), p.dlqWriter.Close())
}

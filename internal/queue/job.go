// Package queue integrates with Kafka: publishing outbox entries as jobs
// and consuming them with bounded retries and a dead-letter topic.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob is returned when a queue message cannot be decoded into a job.
	ErrInvalidJob = errors.New("invalid queue job")
)

// Job is the wire format of one queued domain event. Payload carries the
// outbox envelope (event payload plus metadata) verbatim, so consumers
// reconstruct the full event without a database read.
type Job struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
}

// Marshal serializes the job for publishing.
func (j *Job) Marshal() ([]byte, error) {
	if j.EventID == "" || j.EventType == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrInvalidJob)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	return data, nil
}

// ParseJob decodes a queue message into a job.
func ParseJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	if job.EventID == "" || job.EventType == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrInvalidJob)
	}

	return &job, nil
}

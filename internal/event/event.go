// Package event defines the domain event model shared by the write path,
// the outbox dispatcher, and the queue worker.
//
// A domain event is an immutable, past-tense fact emitted by an aggregate.
// Events are persisted in the same database transaction as the aggregate
// state change and delivered to handlers through the outbox.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// maxNameLength bounds aggregate ids and event type names (column width).
	maxNameLength = 100
)

var (
	// ErrInvalidEventType is returned when an event type is empty, too long,
	// or not a dotted name.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidAggregateID is returned when an aggregate id is empty or too long.
	ErrInvalidAggregateID = errors.New("invalid aggregate id")
)

// SystemActorID is the sentinel actor used when an event carries no actor
// metadata, e.g. events produced by background processes.
const SystemActorID = "system"

type (
	// Actor identifies who caused a state change.
	Actor struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		AccountID string `json:"accountId,omitempty"`
	}

	// Metadata carries the causal context of an event. It is persisted with
	// the event and copied into the outbox payload so that asynchronous
	// consumers can reconstruct the request context without re-reading the
	// event row.
	Metadata struct {
		CorrelationID   string    `json:"correlationId"`
		CausationID     string    `json:"causationId,omitempty"`
		Actor           Actor     `json:"actor"`
		ProducedAt      time.Time `json:"producedAt"`
		SchemaVersion   int       `json:"schemaVersion"`
		SimulateFailure bool      `json:"simulateFailure,omitempty"`
	}

	// Event is an immutable domain event. OccurredAt is assigned by the
	// event store at persistence time; it is zero on freshly produced events.
	Event struct {
		ID            string         `json:"id"`
		AggregateType string         `json:"aggregateType"`
		AggregateID   string         `json:"aggregateId"`
		Type          string         `json:"type"`
		SchemaVersion int            `json:"schemaVersion"`
		Payload       map[string]any `json:"payload"`
		Metadata      Metadata       `json:"metadata"`
		OccurredAt    time.Time      `json:"occurredAt,omitempty"`
	}
)

// NewID returns a time-ordered 128-bit identifier. UUIDv7 encodes the
// creation timestamp in the high bits, so ids sort lexicographically by
// creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand exhaustion is the only failure mode; a random v4 id
		// keeps the system running at the cost of sort order.
		return uuid.NewString()
	}

	return id.String()
}

// New constructs a domain event with a fresh id and schema version 1.
func New(aggregateType, aggregateID, eventType string, payload map[string]any, md Metadata) Event {
	if md.SchemaVersion == 0 {
		md.SchemaVersion = 1
	}

	if md.Actor.ID == "" {
		md.Actor.ID = SystemActorID
	}

	return Event{
		ID:            NewID(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		SchemaVersion: md.SchemaVersion,
		Payload:       payload,
		Metadata:      md,
	}
}

// Validate checks the structural constraints on an event before persistence.
func (e *Event) Validate() error {
	if err := ValidateType(e.Type); err != nil {
		return err
	}

	if strings.TrimSpace(e.AggregateID) == "" || len(e.AggregateID) > maxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidAggregateID, e.AggregateID)
	}

	return nil
}

// ValidateType checks that an event type is a non-empty dotted name of at
// most 100 characters, e.g. "policy.activated".
func ValidateType(eventType string) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventType)
	}

	if len(eventType) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidEventType, eventType, maxNameLength)
	}

	if !strings.Contains(eventType, ".") {
		return fmt.Errorf("%w: %q is not a dotted name", ErrInvalidEventType, eventType)
	}

	return nil
}

// Action returns the final segment of the event type, e.g. "activated" for
// "policy.activated". Consumers map this to their own action vocabulary.
func (e *Event) Action() string {
	idx := strings.LastIndex(e.Type, ".")
	if idx < 0 {
		return e.Type
	}

	return e.Type[idx+1:]
}

// Package action implements the Action aggregate: a unit of work that is
// active until completed or cancelled. State changes are recorded solely as
// domain events; the struct mutates in memory and each operation returns the
// events describing the transition.
package action

import (
	"strings"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/event"
)

// AggregateType is the short name used on events and outbox rows.
const AggregateType = "action"

// Status values for an action.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Event types produced by this aggregate.
const (
	EventCreated   = "action.created"
	EventUpdated   = "action.updated"
	EventCompleted = "action.completed"
	EventCancelled = "action.cancelled"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
)

// Action is the aggregate state. Version is the optimistic-concurrency
// counter: it starts at 1 and each state-changing operation bumps it by
// exactly one.
type Action struct {
	ID           string
	Title        string
	Description  string
	Status       string
	CancelReason string
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Create constructs a new active action at version 1 and returns the
// creation event.
func Create(title, description string, md event.Metadata) (*Action, []event.Event, *command.Error) {
	if cmdErr := validateTitle(title); cmdErr != nil {
		return nil, nil, cmdErr
	}

	if len(description) > maxDescriptionLength {
		return nil, nil, command.RuleError("action.create.description_too_long", "description exceeds maximum length")
	}

	a := &Action{
		ID:          event.NewID(),
		Title:       strings.TrimSpace(title),
		Description: description,
		Status:      StatusActive,
		Version:     1,
	}

	ev := event.New(AggregateType, a.ID, EventCreated, map[string]any{
		"title":       a.Title,
		"description": a.Description,
		"status":      a.Status,
		"version":     a.Version,
	}, md)

	return a, []event.Event{ev}, nil
}

// Update changes the title and/or description of an active action. An
// all-equal update is a no-op: it succeeds with zero events and no version
// bump.
func (a *Action) Update(title, description string, expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := a.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if a.Status != StatusActive {
		return nil, command.RuleError("action.update.not_active", "only active actions can be updated")
	}

	if cmdErr := validateTitle(title); cmdErr != nil {
		return nil, cmdErr
	}

	if len(description) > maxDescriptionLength {
		return nil, command.RuleError("action.update.description_too_long", "description exceeds maximum length")
	}

	title = strings.TrimSpace(title)
	if title == a.Title && description == a.Description {
		return nil, nil
	}

	a.Title = title
	a.Description = description
	a.Version++

	ev := event.New(AggregateType, a.ID, EventUpdated, map[string]any{
		"title":       a.Title,
		"description": a.Description,
		"version":     a.Version,
	}, md)

	return []event.Event{ev}, nil
}

// Complete transitions an active action to inactive.
func (a *Action) Complete(expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := a.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if a.Status != StatusActive {
		return nil, command.RuleError("action.complete.not_active", "only active actions can be completed")
	}

	previous := a.Status
	a.Status = StatusInactive
	a.Version++

	ev := event.New(AggregateType, a.ID, EventCompleted, map[string]any{
		"status":         a.Status,
		"previousStatus": previous,
		"version":        a.Version,
	}, md)

	return []event.Event{ev}, nil
}

// Cancel transitions an active action to inactive, recording the reason.
// The reason is mandatory.
func (a *Action) Cancel(reason string, expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := a.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if a.Status != StatusActive {
		return nil, command.RuleError("action.cancel.not_active", "only active actions can be cancelled")
	}

	if strings.TrimSpace(reason) == "" {
		return nil, command.RuleError("action.cancel.reason_required", "cancellation reason is required")
	}

	previous := a.Status
	a.Status = StatusInactive
	a.CancelReason = strings.TrimSpace(reason)
	a.Version++

	ev := event.New(AggregateType, a.ID, EventCancelled, map[string]any{
		"status":         a.Status,
		"previousStatus": previous,
		"reason":         a.CancelReason,
		"version":        a.Version,
	}, md)

	return []event.Event{ev}, nil
}

// checkVersion is evaluated before any business rule so that concurrent
// writers always observe the version conflict, never a masked rule error.
func (a *Action) checkVersion(expectedVersion int) *command.Error {
	if a.Version != expectedVersion {
		return command.VersionMismatch(AggregateType, expectedVersion, a.Version)
	}

	return nil
}

// Blank titles are rejected before length checks.
func validateTitle(title string) *command.Error {
	if strings.TrimSpace(title) == "" {
		return command.NewError(command.KindValidation, "title is required")
	}

	if len(title) > maxTitleLength {
		return command.RuleError("action.title.too_long", "title exceeds maximum length")
	}

	return nil
}

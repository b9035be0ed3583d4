// Package policy implements the Policy aggregate: a named rule set with the
// lifecycle draft → active → {suspended ↔ active}, where any non-revoked
// policy can be revoked and revocation is terminal.
package policy

import (
	"strings"
	"time"

	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/event"
)

// AggregateType is the short name used on events and outbox rows.
const AggregateType = "policy"

// Status values for a policy.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Event types produced by this aggregate.
const (
	EventCreated   = "policy.created"
	EventActivated = "policy.activated"
	EventSuspended = "policy.suspended"
	EventResumed   = "policy.resumed"
	EventRevoked   = "policy.revoked"
)

const maxNameLength = 200

// Policy is the aggregate state. Version starts at 1 and each transition
// bumps it by exactly one.
type Policy struct {
	ID            string
	Name          string
	Rules         map[string]any
	Status        string
	SuspendReason string
	RevokeReason  string
	RevokedBy     string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Create constructs a new draft policy at version 1.
func Create(name string, rules map[string]any, md event.Metadata) (*Policy, []event.Event, *command.Error) {
	if cmdErr := validateName(name); cmdErr != nil {
		return nil, nil, cmdErr
	}

	if rules == nil {
		rules = map[string]any{}
	}

	p := &Policy{
		ID:      event.NewID(),
		Name:    strings.TrimSpace(name),
		Rules:   rules,
		Status:  StatusDraft,
		Version: 1,
	}

	ev := event.New(AggregateType, p.ID, EventCreated, map[string]any{
		"name":    p.Name,
		"rules":   p.Rules,
		"status":  p.Status,
		"version": p.Version,
	}, md)

	return p, []event.Event{ev}, nil
}

// Activate transitions a draft policy to active.
func (p *Policy) Activate(expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := p.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if p.Status != StatusDraft {
		return nil, command.RuleError("policy.activate.not_draft", "only draft policies can be activated")
	}

	return p.transition(StatusActive, EventActivated, nil, md), nil
}

// Suspend transitions an active policy to suspended. The reason is mandatory.
func (p *Policy) Suspend(reason string, expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := p.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if p.Status != StatusActive {
		return nil, command.RuleError("policy.suspend.not_active", "only active policies can be suspended")
	}

	if strings.TrimSpace(reason) == "" {
		return nil, command.RuleError("policy.suspend.reason_required", "suspension reason is required")
	}

	p.SuspendReason = strings.TrimSpace(reason)

	return p.transition(StatusSuspended, EventSuspended, map[string]any{"reason": p.SuspendReason}, md), nil
}

// Resume transitions a suspended policy back to active.
func (p *Policy) Resume(expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := p.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if p.Status != StatusSuspended {
		return nil, command.RuleError("policy.resume.not_suspended", "only suspended policies can be resumed")
	}

	p.SuspendReason = ""

	return p.transition(StatusActive, EventResumed, nil, md), nil
}

// Revoke transitions any non-revoked policy to revoked. Revocation is
// terminal and requires a reason and the revoker's id.
func (p *Policy) Revoke(reason, revokedBy string, expectedVersion int, md event.Metadata) ([]event.Event, *command.Error) {
	if cmdErr := p.checkVersion(expectedVersion); cmdErr != nil {
		return nil, cmdErr
	}

	if p.Status == StatusRevoked {
		return nil, command.RuleError("policy.revoke.already_revoked", "policy is already revoked")
	}

	if strings.TrimSpace(reason) == "" {
		return nil, command.RuleError("policy.revoke.reason_required", "revocation reason is required")
	}

	if strings.TrimSpace(revokedBy) == "" {
		return nil, command.RuleError("policy.revoke.revoker_required", "revoker id is required")
	}

	p.RevokeReason = strings.TrimSpace(reason)
	p.RevokedBy = strings.TrimSpace(revokedBy)

	payload := map[string]any{"reason": p.RevokeReason, "revokedBy": p.RevokedBy}

	return p.transition(StatusRevoked, EventRevoked, payload, md), nil
}

// transition applies a status change, bumps the version, and produces the
// transition event with the previous status for downstream change tracking.
func (p *Policy) transition(newStatus, eventType string, extra map[string]any, md event.Metadata) []event.Event {
	previous := p.Status
	p.Status = newStatus
	p.Version++

	payload := map[string]any{
		"status":         p.Status,
		"previousStatus": previous,
		"version":        p.Version,
	}
	for k, v := range extra {
		payload[k] = v
	}

	return []event.Event{event.New(AggregateType, p.ID, eventType, payload, md)}
}

// checkVersion is evaluated before any business rule so version conflicts
// are never masked by rule errors.
func (p *Policy) checkVersion(expectedVersion int) *command.Error {
	if p.Version != expectedVersion {
		return command.VersionMismatch(AggregateType, expectedVersion, p.Version)
	}

	return nil
}

func validateName(name string) *command.Error {
	if strings.TrimSpace(name) == "" {
		return command.NewError(command.KindValidation, "name is required")
	}

	if len(name) > maxNameLength {
		return command.RuleError("policy.name.too_long", "name exceeds maximum length")
	}

	return nil
}

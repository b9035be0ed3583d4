// Package command defines the uniform command surface shared by the API,
// the executor, and the aggregates: the command envelope, the result type,
// and the error taxonomy.
package command

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dispatchr-io/dispatchr/internal/event"
)

// Command is one state-change request. Type selects the handler
// (e.g. "action.create"); Payload is handler-specific.
type Command struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Meta            `json:"metadata,omitempty"`
}

// Meta carries caller-supplied command options that are not part of the
// domain payload.
type Meta struct {
	// SimulateFailure propagates into event metadata for fault-injection
	// tests. Inert outside test wiring.
	SimulateFailure bool `json:"simulateFailure,omitempty"`

	// Actor attributes the command when authentication is disabled. An
	// authenticated service context always takes precedence.
	Actor *event.Actor `json:"actor,omitempty"`
}

// Result is the successful outcome of a command: the aggregate touched, its
// resulting version, and the ids of the events produced (empty for no-ops).
type Result struct {
	AggregateID string   `json:"aggregateId"`
	Version     int      `json:"version"`
	EventIDs    []string `json:"eventIds"`
}

// Kind discriminates expected command failures. Kinds are string-coded so
// they survive serialization boundaries without type information.
type Kind string

// Error kinds, from caller mistakes to infrastructure faults.
const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not-found"
	KindConflict       Kind = "conflict"
	KindOptimisticLock Kind = "optimistic-lock"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindBusinessRule   Kind = "business-rule"
	KindConcurrency    Kind = "concurrency"
	KindInfrastructure Kind = "infrastructure"
	KindInternal       Kind = "internal"
)

// Error is an expected command failure. Aggregates and command handlers
// return it instead of raising; only programming bugs panic.
type Error struct {
	Kind    Kind           `json:"kind"`
	Rule    string         `json:"rule,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	// Upstream names the failing service for infrastructure errors.
	Upstream string `json:"upstream,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Rule, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs an expected failure of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// RuleError constructs a business-rule failure carrying a rule identifier
// such as "policy.activate.not_draft".
func RuleError(rule, message string) *Error {
	return &Error{Kind: KindBusinessRule, Rule: rule, Message: message}
}

// VersionMismatch constructs the optimistic-lock failure for an aggregate,
// with the rule id "<aggregate>.version.mismatch".
func VersionMismatch(aggregate string, expected, current int) *Error {
	return &Error{
		Kind:    KindOptimisticLock,
		Rule:    aggregate + ".version.mismatch",
		Message: fmt.Sprintf("expected version %d, current version is %d", expected, current),
		Details: map[string]any{"expectedVersion": expected, "currentVersion": current},
	}
}

// InfrastructureError wraps an unexpected infrastructure failure, naming the
// upstream service (e.g. "postgres", "kafka").
func InfrastructureError(upstream string, err error) *Error {
	return &Error{
		Kind:     KindInfrastructure,
		Message:  err.Error(),
		Upstream: upstream,
	}
}

// WithDetails attaches field-level details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details

	return e
}

// HTTPStatus maps an error kind to its boundary status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindOptimisticLock:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindConcurrency:
		return http.StatusConflict
	case KindInfrastructure:
		return http.StatusServiceUnavailable
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Package audit implements the audit trail sink: a queue handler that turns
// every aggregate event into one immutable audit row.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/dispatchr-io/dispatchr/internal/event"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

// HandlerName keys the idempotency ledger; changing it would replay the
// entire audit trail.
const HandlerName = "audit-log"

var (
	// ErrInjectedFault is returned when the fault injector forces a failure.
	ErrInjectedFault = errors.New("injected audit fault")
)

// actionByEventSuffix maps the final event-type segment to the audit action
// vocabulary. Unknown suffixes fall back to the suffix itself.
var actionByEventSuffix = map[string]string{
	"created":   "create",
	"updated":   "update",
	"completed": "complete",
	"cancelled": "cancel",
	"activated": "activate",
	"suspended": "suspend",
	"resumed":   "resume",
	"revoked":   "revoke",
}

// Handler writes one audit row per event. It subscribes to all aggregate
// events through the registry wildcard.
type Handler struct {
	store  *storage.AuditStore
	faults *FaultInjector
}

// NewHandler creates the audit handler.
func NewHandler(store *storage.AuditStore) (*Handler, error) {
	if store == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Handler{store: store}, nil
}

// WithFaultInjector attaches a fault injector. Only tests wire this; in
// production the simulate_failure metadata flag is inert without it.
func (h *Handler) WithFaultInjector(f *FaultInjector) *Handler {
	h.faults = f

	return h
}

// Name implements the handler contract.
func (h *Handler) Name() string {
	return HandlerName
}

// Handle writes the audit row for one event. The write is a single insert;
// idempotency comes from the caller's ledger, not from this handler.
func (h *Handler) Handle(ctx context.Context, ev event.Event) error {
	if ev.Metadata.SimulateFailure && h.faults != nil {
		if h.faults.ShouldFail(ev.AggregateID, ev.Type) {
			return fmt.Errorf("%w: %s %s", ErrInjectedFault, ev.AggregateID, ev.Type)
		}
	}

	entry := h.buildEntry(ev)

	if err := h.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to write audit entry for event %s: %w", ev.ID, err)
	}

	return nil
}

// buildEntry maps an event to its audit row. The event payload becomes the
// after snapshot; status transitions additionally get a from/to change set.
func (h *Handler) buildEntry(ev event.Event) *storage.AuditEntry {
	entry := &storage.AuditEntry{
		ID:            event.NewID(),
		CorrelationID: ev.Metadata.CorrelationID,
		EntityType:    ev.AggregateType,
		EntityID:      ev.AggregateID,
		Action:        mapAction(ev.Action()),
		ActorID:       ev.Metadata.Actor.ID,
		ActorEmail:    ev.Metadata.Actor.Email,
		AfterSnapshot: ev.Payload,
		Metadata: map[string]any{
			"eventId":       ev.ID,
			"eventType":     ev.Type,
			"causationId":   ev.Metadata.CausationID,
			"schemaVersion": ev.Metadata.SchemaVersion,
		},
		OccurredAt: ev.OccurredAt,
	}

	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = ev.Metadata.ProducedAt
	}

	if changes := statusChanges(ev.Payload); changes != nil {
		entry.Changes = changes
	}

	return entry
}

func mapAction(suffix string) string {
	if action, ok := actionByEventSuffix[suffix]; ok {
		return action
	}

	return suffix
}

// statusChanges extracts a {status: {from, to}} change set from transition
// payloads carrying both the new and previous status.
func statusChanges(payload map[string]any) map[string]any {
	to, hasTo := payload["status"].(string)
	from, hasFrom := payload["previousStatus"].(string)

	if !hasTo || !hasFrom {
		return nil
	}

	return map[string]any{
		"status": map[string]any{"from": from, "to": to},
	}
}

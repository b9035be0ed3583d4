// Package requestctx propagates the caller context (correlation id,
// causation id, actor) across synchronous and asynchronous boundaries
// without threading it through every signature.
//
// Synchronous code carries the context on context.Context. Asynchronous
// code must never inherit the parent scope implicitly: the queue worker
// constructs a fresh context from event metadata at each job boundary.
package requestctx

import (
	"context"

	"github.com/dispatchr-io/dispatchr/internal/event"
)

// ctxKey is the context key for the request context value.
type ctxKey struct{}

// Context is the causal context of a request or a background job.
type Context struct {
	CorrelationID string
	CausationID   string
	Actor         event.Actor
}

// With returns a child context carrying rc as the current request context.
// Nested calls replace the visible context for the nested scope only.
func With(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the currently bound request context, or ok=false when none
// has been set on this context chain.
func From(ctx context.Context) (Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(Context)

	return rc, ok
}

// FromEventMetadata builds the background context for processing an event:
// the correlation id is preserved, the causation id becomes the event id,
// and the actor is copied from the metadata (or the system sentinel).
func FromEventMetadata(ev event.Event) Context {
	actor := ev.Metadata.Actor
	if actor.ID == "" {
		actor = event.Actor{ID: event.SystemActorID}
	}

	return Context{
		CorrelationID: ev.Metadata.CorrelationID,
		CausationID:   ev.ID,
		Actor:         actor,
	}
}

// Metadata derives event metadata for events produced within this context.
func (rc Context) Metadata() event.Metadata {
	return event.Metadata{
		CorrelationID: rc.CorrelationID,
		CausationID:   rc.CausationID,
		Actor:         rc.Actor,
	}
}

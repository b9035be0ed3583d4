// Package worker consumes queued domain events and fans them out to
// registered handlers with per-handler idempotency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dispatchr-io/dispatchr/internal/event"
)

// SubscribeAll subscribes a handler to every event type.
const SubscribeAll = "*"

var (
	// ErrDuplicateHandler is returned when a handler name is registered more
	// than once. Names key the idempotency ledger, so reusing one would let
	// two handlers shadow each other's processed markers.
	ErrDuplicateHandler = errors.New("duplicate handler registration")

	// ErrInvalidSubscription is returned for empty handler names or event types.
	ErrInvalidSubscription = errors.New("invalid handler subscription")
)

type (
	// Handler processes one domain event. Name must be stable across
	// deployments: it keys the idempotency ledger.
	Handler interface {
		Name() string
		Handle(ctx context.Context, ev event.Event) error
	}

	// Registry maps event types to their handlers. Registration happens at
	// startup; lookups are concurrent.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string][]Handler
		names    map[string]struct{}
	}
)

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
		names:    make(map[string]struct{}),
	}
}

// Register subscribes a handler to the given event types, or to all events
// via SubscribeAll. Handler names are unique across the whole registry:
// registering a name twice is a configuration error, whatever the event
// types, because the name keys the idempotency ledger.
func (r *Registry) Register(h Handler, eventTypes ...string) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("%w: handler with empty name", ErrInvalidSubscription)
	}

	if len(eventTypes) == 0 {
		return fmt.Errorf("%w: no event types for handler %q", ErrInvalidSubscription, h.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate everything before mutating so a rejected call leaves no
	// partial subscriptions behind.
	if _, taken := r.names[h.Name()]; taken {
		return fmt.Errorf("%w: %q is already registered", ErrDuplicateHandler, h.Name())
	}

	seen := make(map[string]struct{}, len(eventTypes))

	for _, eventType := range eventTypes {
		if eventType == "" {
			return fmt.Errorf("%w: empty event type for handler %q", ErrInvalidSubscription, h.Name())
		}

		if _, dup := seen[eventType]; dup {
			return fmt.Errorf("%w: event type %q listed twice for handler %q",
				ErrInvalidSubscription, eventType, h.Name())
		}

		seen[eventType] = struct{}{}
	}

	r.names[h.Name()] = struct{}{}

	for _, eventType := range eventTypes {
		r.handlers[eventType] = append(r.handlers[eventType], h)
	}

	return nil
}

// HandlersFor returns the handlers subscribed to the event type, including
// wildcard subscribers, deduplicated by name so a handler subscribed both
// exactly and via SubscribeAll runs once per job. The slice is a copy;
// callers may not mutate shared state through it.
func (r *Registry) HandlersFor(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.handlers[eventType]
	wildcard := r.handlers[SubscribeAll]

	if len(exact) == 0 && len(wildcard) == 0 {
		return nil
	}

	out := make([]Handler, 0, len(exact)+len(wildcard))
	included := make(map[string]struct{}, len(exact)+len(wildcard))

	for _, h := range exact {
		if _, ok := included[h.Name()]; ok {
			continue
		}

		included[h.Name()] = struct{}{}
		out = append(out, h)
	}

	for _, h := range wildcard {
		if _, ok := included[h.Name()]; ok {
			continue
		}

		included[h.Name()] = struct{}{}
		out = append(out, h)
	}

	return out
}

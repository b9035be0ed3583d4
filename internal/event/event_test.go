package event

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestNewIDOrdering(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewID()
	}

	// UUIDv7 ids generated in sequence sort lexicographically by creation time
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not time-ordered at index %d: %q vs %q", i, ids[i], sorted[i])
		}
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("NewID() returned duplicate id %q", id)
		}

		seen[id] = true
	}
}

func TestNewDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ev := New("action", "act-1", "action.created", map[string]any{"name": "notify"}, Metadata{
		CorrelationID: "corr-1",
	})

	if ev.ID == "" {
		t.Error("New() did not assign an id")
	}

	if ev.SchemaVersion != 1 {
		t.Errorf("New() SchemaVersion = %d, want 1", ev.SchemaVersion)
	}

	if ev.Metadata.SchemaVersion != 1 {
		t.Errorf("New() Metadata.SchemaVersion = %d, want 1", ev.Metadata.SchemaVersion)
	}

	if ev.Metadata.Actor.ID != SystemActorID {
		t.Errorf("New() Actor.ID = %q, want system sentinel %q", ev.Metadata.Actor.ID, SystemActorID)
	}

	if !ev.OccurredAt.IsZero() {
		t.Error("New() assigned OccurredAt; the event store owns persistence time")
	}
}

func TestNewPreservesActor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ev := New("policy", "pol-1", "policy.activated", nil, Metadata{
		Actor:         Actor{ID: "user-7", Email: "ops@example.com"},
		SchemaVersion: 2,
	})

	if ev.Metadata.Actor.ID != "user-7" {
		t.Errorf("New() Actor.ID = %q, want %q", ev.Metadata.Actor.ID, "user-7")
	}

	if ev.SchemaVersion != 2 {
		t.Errorf("New() SchemaVersion = %d, want 2", ev.SchemaVersion)
	}
}

func TestEventValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		event       Event
		wantErr     error
	}{
		{
			name:    "valid event",
			event:   Event{Type: "action.created", AggregateID: "act-1"},
			wantErr: nil,
		},
		{
			name:    "empty type",
			event:   Event{Type: "", AggregateID: "act-1"},
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "type without dot",
			event:   Event{Type: "created", AggregateID: "act-1"},
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "type too long",
			event:   Event{Type: "action." + strings.Repeat("x", 100), AggregateID: "act-1"},
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "empty aggregate id",
			event:   Event{Type: "action.created", AggregateID: "  "},
			wantErr: ErrInvalidAggregateID,
		},
		{
			name:    "aggregate id too long",
			event:   Event{Type: "action.created", AggregateID: strings.Repeat("x", 101)},
			wantErr: ErrInvalidAggregateID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventAction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		eventType string
		expected  string
	}{
		{"policy.activated", "activated"},
		{"action.execution.requested", "requested"},
		{"created", "created"},
	}

	for _, tt := range tests {
		ev := Event{Type: tt.eventType}
		if got := ev.Action(); got != tt.expected {
			t.Errorf("Action() for %q = %q, want %q", tt.eventType, got, tt.expected)
		}
	}
}

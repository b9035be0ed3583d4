package queue

import (
	"errors"
	"testing"
)

func TestJobMarshalParse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	job := &Job{
		EventID:       "evt-1",
		EventType:     "action.created",
		AggregateType: "action",
		AggregateID:   "act-1",
		Payload:       []byte(`{"title":"Ship invoices"}`),
	}

	data, err := job.Marshal()
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	parsed, err := ParseJob(data)
	if err != nil {
		t.Fatalf("ParseJob() unexpected error: %v", err)
	}

	if parsed.EventID != "evt-1" || parsed.EventType != "action.created" {
		t.Errorf("ParseJob() = %+v, want evt-1/action.created", parsed)
	}

	if parsed.AggregateType != "action" || parsed.AggregateID != "act-1" {
		t.Errorf("ParseJob() aggregate = %s/%s, want action/act-1", parsed.AggregateType, parsed.AggregateID)
	}

	if string(parsed.Payload) != `{"title":"Ship invoices"}` {
		t.Errorf("ParseJob() Payload = %s, want envelope preserved verbatim", parsed.Payload)
	}
}

func TestJobMarshalRequiresIdentity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		job  *Job
	}{
		{"missing event id", &Job{EventType: "action.created"}},
		{"missing event type", &Job{EventID: "evt-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.job.Marshal(); !errors.Is(err, ErrInvalidJob) {
				t.Errorf("Marshal() error = %v, want %v", err, ErrInvalidJob)
			}
		})
	}
}

func TestParseJobErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("not json")},
		{"empty object", []byte(`{}`)},
		{"missing event type", []byte(`{"eventId":"evt-1"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJob(tt.data); !errors.Is(err, ErrInvalidJob) {
				t.Errorf("ParseJob(%s) error = %v, want %v", tt.data, err, ErrInvalidJob)
			}
		})
	}
}

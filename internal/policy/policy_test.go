package policy

import (
	"strings"
	"testing"

	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/event"
)

var testMeta = event.Metadata{CorrelationID: "corr-1", Actor: event.Actor{ID: "user-7"}}

func TestCreate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, events, cmdErr := Create("  Fraud checks  ", map[string]any{"threshold": 10}, testMeta)
	if cmdErr != nil {
		t.Fatalf("Create() unexpected error: %v", cmdErr)
	}

	if p.Name != "Fraud checks" {
		t.Errorf("Name = %q, want trimmed %q", p.Name, "Fraud checks")
	}

	if p.Status != StatusDraft {
		t.Errorf("Status = %q, want %q", p.Status, StatusDraft)
	}

	if p.Version != 1 {
		t.Errorf("Version = %d, want 1", p.Version)
	}

	if len(events) != 1 || events[0].Type != EventCreated {
		t.Fatalf("events = %v, want single %q", events, EventCreated)
	}
}

func TestCreateNilRules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, cmdErr := Create("Fraud checks", nil, testMeta)
	if cmdErr != nil {
		t.Fatalf("Create() unexpected error: %v", cmdErr)
	}

	if p.Rules == nil {
		t.Error("Create() left Rules nil, want empty map")
	}
}

func TestCreateValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, _, cmdErr := Create("   ", nil, testMeta); cmdErr == nil || cmdErr.Kind != command.KindValidation {
		t.Errorf("Create() blank name error = %v, want validation", cmdErr)
	}

	if _, _, cmdErr := Create(strings.Repeat("x", 201), nil, testMeta); cmdErr == nil || cmdErr.Rule != "policy.name.too_long" {
		t.Errorf("Create() long name error = %v, want rule policy.name.too_long", cmdErr)
	}
}

func TestLifecycleDraftToActive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := Create("Fraud checks", nil, testMeta)

	events, cmdErr := p.Activate(1, testMeta)
	if cmdErr != nil {
		t.Fatalf("Activate() unexpected error: %v", cmdErr)
	}

	if p.Status != StatusActive {
		t.Errorf("Status = %q, want %q", p.Status, StatusActive)
	}

	if p.Version != 2 {
		t.Errorf("Version = %d, want 2", p.Version)
	}

	if len(events) != 1 || events[0].Type != EventActivated {
		t.Fatalf("events = %v, want single %q", events, EventActivated)
	}

	if events[0].Payload["previousStatus"] != StatusDraft {
		t.Errorf("previousStatus = %v, want %q", events[0].Payload["previousStatus"], StatusDraft)
	}

	// Activating twice is a rule violation
	if _, cmdErr := p.Activate(2, testMeta); cmdErr == nil || cmdErr.Rule != "policy.activate.not_draft" {
		t.Errorf("second Activate() error = %v, want rule policy.activate.not_draft", cmdErr)
	}
}

func TestSuspendAndResume(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := Create("Fraud checks", nil, testMeta)
	if _, cmdErr := p.Activate(1, testMeta); cmdErr != nil {
		t.Fatalf("Activate() unexpected error: %v", cmdErr)
	}

	// Reason is mandatory
	if _, cmdErr := p.Suspend("  ", 2, testMeta); cmdErr == nil || cmdErr.Rule != "policy.suspend.reason_required" {
		t.Errorf("Suspend() without reason error = %v, want rule policy.suspend.reason_required", cmdErr)
	}

	events, cmdErr := p.Suspend("incident INV-42", 2, testMeta)
	if cmdErr != nil {
		t.Fatalf("Suspend() unexpected error: %v", cmdErr)
	}

	if p.Status != StatusSuspended {
		t.Errorf("Status = %q, want %q", p.Status, StatusSuspended)
	}

	if p.SuspendReason != "incident INV-42" {
		t.Errorf("SuspendReason = %q, want %q", p.SuspendReason, "incident INV-42")
	}

	if len(events) != 1 || events[0].Type != EventSuspended {
		t.Fatalf("events = %v, want single %q", events, EventSuspended)
	}

	// Suspend/resume can cycle
	resumed, cmdErr := p.Resume(3, testMeta)
	if cmdErr != nil {
		t.Fatalf("Resume() unexpected error: %v", cmdErr)
	}

	if p.Status != StatusActive {
		t.Errorf("Status = %q, want %q", p.Status, StatusActive)
	}

	if p.SuspendReason != "" {
		t.Errorf("SuspendReason = %q, want cleared", p.SuspendReason)
	}

	if len(resumed) != 1 || resumed[0].Type != EventResumed {
		t.Fatalf("events = %v, want single %q", resumed, EventResumed)
	}

	if _, cmdErr := p.Suspend("again", 4, testMeta); cmdErr != nil {
		t.Errorf("Suspend() after resume unexpected error: %v", cmdErr)
	}
}

func TestSuspendRequiresActive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := Create("Fraud checks", nil, testMeta)

	if _, cmdErr := p.Suspend("reason", 1, testMeta); cmdErr == nil || cmdErr.Rule != "policy.suspend.not_active" {
		t.Errorf("Suspend() on draft error = %v, want rule policy.suspend.not_active", cmdErr)
	}

	if _, cmdErr := p.Resume(1, testMeta); cmdErr == nil || cmdErr.Rule != "policy.resume.not_suspended" {
		t.Errorf("Resume() on draft error = %v, want rule policy.resume.not_suspended", cmdErr)
	}
}

func TestRevoke(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := Create("Fraud checks", nil, testMeta)

	// Draft policies can be revoked directly
	events, cmdErr := p.Revoke("compliance", "user-7", 1, testMeta)
	if cmdErr != nil {
		t.Fatalf("Revoke() unexpected error: %v", cmdErr)
	}

	if p.Status != StatusRevoked {
		t.Errorf("Status = %q, want %q", p.Status, StatusRevoked)
	}

	if p.RevokeReason != "compliance" || p.RevokedBy != "user-7" {
		t.Errorf("RevokeReason/RevokedBy = %q/%q, want compliance/user-7", p.RevokeReason, p.RevokedBy)
	}

	if len(events) != 1 || events[0].Type != EventRevoked {
		t.Fatalf("events = %v, want single %q", events, EventRevoked)
	}

	// Revocation is terminal
	if _, cmdErr := p.Revoke("again", "user-7", 2, testMeta); cmdErr == nil || cmdErr.Rule != "policy.revoke.already_revoked" {
		t.Errorf("second Revoke() error = %v, want rule policy.revoke.already_revoked", cmdErr)
	}

	if _, cmdErr := p.Activate(2, testMeta); cmdErr == nil {
		t.Error("Activate() on revoked policy succeeded, want rule violation")
	}
}

func TestRevokeValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := Create("Fraud checks", nil, testMeta)

	if _, cmdErr := p.Revoke("  ", "user-7", 1, testMeta); cmdErr == nil || cmdErr.Rule != "policy.revoke.reason_required" {
		t.Errorf("Revoke() without reason error = %v, want rule policy.revoke.reason_required", cmdErr)
	}

	if _, cmdErr := p.Revoke("compliance", "  ", 1, testMeta); cmdErr == nil || cmdErr.Rule != "policy.revoke.revoker_required" {
		t.Errorf("Revoke() without revoker error = %v, want rule policy.revoke.revoker_required", cmdErr)
	}
}

func TestVersionConflictWinsOverRuleError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := Create("Fraud checks", nil, testMeta)
	if _, cmdErr := p.Revoke("compliance", "user-7", 1, testMeta); cmdErr != nil {
		t.Fatalf("Revoke() unexpected error: %v", cmdErr)
	}

	// Revoked AND stale version: the version conflict must surface first
	_, cmdErr := p.Revoke("again", "user-7", 1, testMeta)
	if cmdErr == nil {
		t.Fatal("Revoke() expected error, got nil")
	}

	if cmdErr.Kind != command.KindOptimisticLock {
		t.Errorf("error kind = %q, want %q", cmdErr.Kind, command.KindOptimisticLock)
	}
}

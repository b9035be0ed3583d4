// Package executor routes commands to the aggregate that handles them and
// runs the transactional write path: load state, apply the command, persist
// state plus events plus outbox rows as one commit.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dispatchr-io/dispatchr/internal/action"
	"github.com/dispatchr-io/dispatchr/internal/command"
	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/event"
	"github.com/dispatchr-io/dispatchr/internal/policy"
	"github.com/dispatchr-io/dispatchr/internal/requestctx"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

// Command types accepted by the executor.
const (
	CmdActionCreate   = "action.create"
	CmdActionUpdate   = "action.update"
	CmdActionComplete = "action.complete"
	CmdActionCancel   = "action.cancel"
	CmdPolicyCreate   = "policy.create"
	CmdPolicyActivate = "policy.activate"
	CmdPolicySuspend  = "policy.suspend"
	CmdPolicyResume   = "policy.resume"
	CmdPolicyRevoke   = "policy.revoke"
)

// Executor executes commands against the aggregates.
type Executor struct {
	events   *storage.EventStore
	actions  *storage.ActionStore
	policies *storage.PolicyStore
	logger   *slog.Logger
}

// NewExecutor creates an executor over the given stores.
func NewExecutor(events *storage.EventStore, actions *storage.ActionStore, policies *storage.PolicyStore) (*Executor, error) {
	if events == nil || actions == nil || policies == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Executor{
		events:   events,
		actions:  actions,
		policies: policies,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "executor"),
	}, nil
}

// Execute runs one command and returns its result, or the expected failure.
// Unexpected failures surface as infrastructure or internal errors, never
// as a panic.
func (e *Executor) Execute(ctx context.Context, cmd command.Command) (*command.Result, *command.Error) {
	md := metadataFromContext(ctx)
	md.SimulateFailure = cmd.Metadata.SimulateFailure

	var (
		result *command.Result
		err    error
	)

	switch cmd.Type {
	case CmdActionCreate:
		result, err = e.createAction(ctx, cmd.Payload, md)
	case CmdActionUpdate:
		result, err = e.updateAction(ctx, cmd.Payload, md)
	case CmdActionComplete:
		result, err = e.completeAction(ctx, cmd.Payload, md)
	case CmdActionCancel:
		result, err = e.cancelAction(ctx, cmd.Payload, md)
	case CmdPolicyCreate:
		result, err = e.createPolicy(ctx, cmd.Payload, md)
	case CmdPolicyActivate:
		result, err = e.activatePolicy(ctx, cmd.Payload, md)
	case CmdPolicySuspend:
		result, err = e.suspendPolicy(ctx, cmd.Payload, md)
	case CmdPolicyResume:
		result, err = e.resumePolicy(ctx, cmd.Payload, md)
	case CmdPolicyRevoke:
		result, err = e.revokePolicy(ctx, cmd.Payload, md)
	default:
		return nil, command.NewError(command.KindValidation, fmt.Sprintf("unknown command type %q", cmd.Type))
	}

	if err != nil {
		cmdErr := classify(err)

		e.logger.WarnContext(ctx, "command failed",
			"command", cmd.Type,
			"kind", string(cmdErr.Kind),
			"rule", cmdErr.Rule,
			"error", err,
		)

		return nil, cmdErr
	}

	return result, nil
}

// metadataFromContext derives event metadata from the bound request context,
// falling back to system-actor metadata for unbound callers.
func metadataFromContext(ctx context.Context) event.Metadata {
	if rc, ok := requestctx.From(ctx); ok {
		return rc.Metadata()
	}

	return event.Metadata{Actor: event.Actor{ID: event.SystemActorID}}
}

// classify maps any error into the taxonomy. Expected failures pass through
// untouched; storage sentinels get their kind; everything else is treated as
// a database fault.
func classify(err error) *command.Error {
	var cmdErr *command.Error
	if errors.As(err, &cmdErr) {
		return cmdErr
	}

	switch {
	case errors.Is(err, storage.ErrActionNotFound):
		return command.NewError(command.KindNotFound, "action not found")
	case errors.Is(err, storage.ErrPolicyNotFound):
		return command.NewError(command.KindNotFound, "policy not found")
	case errors.Is(err, storage.ErrVersionConflict):
		return command.NewError(command.KindOptimisticLock, "aggregate was modified concurrently")
	case errors.Is(err, storage.ErrTransientConflict):
		return command.NewError(command.KindConcurrency, "transaction conflict, retry the command")
	case errors.Is(err, storage.ErrDuplicatePolicyName):
		return command.NewError(command.KindConflict, "policy name already exists")
	case errors.Is(err, storage.ErrPayloadTooLarge):
		return command.NewError(command.KindValidation, "event payload exceeds maximum size")
	default:
		return command.InfrastructureError("postgres", err)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return command.NewError(command.KindValidation, "command payload is required")
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return command.NewError(command.KindValidation, "malformed command payload").
			WithDetails(map[string]any{"error": err.Error()})
	}

	return nil
}

type createActionPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (e *Executor) createAction(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p createActionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	a, events, cmdErr := action.Create(p.Title, p.Description, md)
	if cmdErr != nil {
		return nil, cmdErr
	}

	var ids []string

	err := e.events.WithTransaction(ctx, func(tx *sql.Tx, persist storage.PersistFunc) error {
		if err := e.actions.Insert(ctx, tx, a); err != nil {
			return err
		}

		var err error
		ids, err = persist(ctx, events)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &command.Result{AggregateID: a.ID, Version: a.Version, EventIDs: ids}, nil
}

type mutateActionPayload struct {
	ID              string `json:"id"`
	ExpectedVersion int    `json:"expectedVersion"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Reason          string `json:"reason"`
}

// mutateAction runs the shared load-apply-store cycle for action commands.
// apply returns the transition events, or nil for a no-op.
func (e *Executor) mutateAction(
	ctx context.Context,
	p mutateActionPayload,
	apply func(a *action.Action) ([]event.Event, *command.Error),
) (*command.Result, error) {
	if p.ID == "" {
		return nil, command.NewError(command.KindValidation, "action id is required")
	}

	var result *command.Result

	err := e.events.WithTransaction(ctx, func(tx *sql.Tx, persist storage.PersistFunc) error {
		a, err := e.actions.GetTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}

		loadedVersion := a.Version

		events, cmdErr := apply(a)
		if cmdErr != nil {
			return cmdErr
		}

		if len(events) == 0 {
			// No-op command: nothing to store, nothing to deliver.
			result = &command.Result{AggregateID: a.ID, Version: a.Version}

			return nil
		}

		if err := e.actions.Update(ctx, tx, a, loadedVersion); err != nil {
			return err
		}

		ids, err := persist(ctx, events)
		if err != nil {
			return err
		}

		result = &command.Result{AggregateID: a.ID, Version: a.Version, EventIDs: ids}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Executor) updateAction(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutateActionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return e.mutateAction(ctx, p, func(a *action.Action) ([]event.Event, *command.Error) {
		return a.Update(p.Title, p.Description, p.ExpectedVersion, md)
	})
}

func (e *Executor) completeAction(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutateActionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return e.mutateAction(ctx, p, func(a *action.Action) ([]event.Event, *command.Error) {
		return a.Complete(p.ExpectedVersion, md)
	})
}

func (e *Executor) cancelAction(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutateActionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return e.mutateAction(ctx, p, func(a *action.Action) ([]event.Event, *command.Error) {
		return a.Cancel(p.Reason, p.ExpectedVersion, md)
	})
}

type createPolicyPayload struct {
	Name  string         `json:"name"`
	Rules map[string]any `json:"rules"`
}

func (e *Executor) createPolicy(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p createPolicyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	pol, events, cmdErr := policy.Create(p.Name, p.Rules, md)
	if cmdErr != nil {
		return nil, cmdErr
	}

	var ids []string

	err := e.events.WithTransaction(ctx, func(tx *sql.Tx, persist storage.PersistFunc) error {
		if err := e.policies.Insert(ctx, tx, pol); err != nil {
			return err
		}

		var err error
		ids, err = persist(ctx, events)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &command.Result{AggregateID: pol.ID, Version: pol.Version, EventIDs: ids}, nil
}

type mutatePolicyPayload struct {
	ID              string `json:"id"`
	ExpectedVersion int    `json:"expectedVersion"`
	Reason          string `json:"reason"`
	RevokedBy       string `json:"revokedBy"`
}

func (e *Executor) mutatePolicy(
	ctx context.Context,
	p mutatePolicyPayload,
	apply func(pol *policy.Policy) ([]event.Event, *command.Error),
) (*command.Result, error) {
	if p.ID == "" {
		return nil, command.NewError(command.KindValidation, "policy id is required")
	}

	var result *command.Result

	err := e.events.WithTransaction(ctx, func(tx *sql.Tx, persist storage.PersistFunc) error {
		pol, err := e.policies.GetTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}

		loadedVersion := pol.Version

		events, cmdErr := apply(pol)
		if cmdErr != nil {
			return cmdErr
		}

		if err := e.policies.Update(ctx, tx, pol, loadedVersion); err != nil {
			return err
		}

		ids, err := persist(ctx, events)
		if err != nil {
			return err
		}

		result = &command.Result{AggregateID: pol.ID, Version: pol.Version, EventIDs: ids}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Executor) activatePolicy(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutatePolicyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return e.mutatePolicy(ctx, p, func(pol *policy.Policy) ([]event.Event, *command.Error) {
		return pol.Activate(p.ExpectedVersion, md)
	})
}

func (e *Executor) suspendPolicy(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutatePolicyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return e.mutatePolicy(ctx, p, func(pol *policy.Policy) ([]event.Event, *command.Error) {
		return pol.Suspend(p.Reason, p.ExpectedVersion, md)
	})
}

func (e *Executor) resumePolicy(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutatePolicyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return e.mutatePolicy(ctx, p, func(pol *policy.Policy) ([]event.Event, *command.Error) {
		return pol.Resume(p.ExpectedVersion, md)
	})
}

func (e *Executor) revokePolicy(ctx context.Context, raw json.RawMessage, md event.Metadata) (*command.Result, error) {
	var p mutatePolicyPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	revokedBy := p.RevokedBy
	if revokedBy == "" {
		revokedBy = md.Actor.ID
	}

	return e.mutatePolicy(ctx, p, func(pol *policy.Policy) ([]event.Event, *command.Error) {
		return pol.Revoke(p.Reason, revokedBy, p.ExpectedVersion, md)
	})
}

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// Sentinel errors shared between the orchestrator and its Store
// implementations.
var (
	// ErrNotFound is returned for an unknown execution, agent or version.
	ErrNotFound = errors.New("execution not found")
	// ErrStaleState signals a failed state compare-and-swap: the persisted
	// state no longer permits the attempted transition.
	ErrStaleState = errors.New("execution state changed concurrently")
	// ErrDuplicateEvent signals that an audit event with the same
	// (execution, executor ordinal) pair already exists.
	ErrDuplicateEvent = errors.New("duplicate executor event")
)

// Caller-facing command errors. Never auto-retried.
var (
	// ErrInvalidTransition is returned for an event the transition table
	// does not permit from the execution's current state.
	ErrInvalidTransition = errors.New("invalid transition for current state")
	// ErrNotPausable is returned when pausing a version without the
	// pausable capability.
	ErrNotPausable = errors.New("agent version does not support pausing")
	// ErrStaleExecution is returned when a user command arrives after the
	// execution already reached a terminal state.
	ErrStaleExecution = errors.New("execution already reached a terminal state")
)

// TransitionRequest is one attempted state change plus its audit record.
type TransitionRequest struct {
	ExecutionID uuid.UUID
	OrgID       uuid.UUID // uuid.Nil on callback/system paths (already resolved by correlation key).
	Rule        Rule
	Actor       model.Actor
	Payload     map[string]any

	// Terminal-state side effects, applied with the state update.
	Output        map[string]any
	FailureReason *string

	// ExecutorOrdinal dedupes callback deliveries; nil for user/system events.
	ExecutorOrdinal *int64
}

// Store is the execution repository contract.
//
// ApplyTransition must be atomic: the state compare-and-swap, the audit
// append (sequence assigned gap-free per execution), and the ordinal
// dedup check commit together or not at all. It returns ErrStaleState when
// the CAS predicate fails, ErrDuplicateEvent when the executor ordinal was
// already recorded, and ErrNotFound for an unknown execution.
type Store interface {
	CreateExecution(ctx context.Context, exec model.Execution) (model.Execution, error)
	GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.Execution, error)
	GetExecutionByCorrelation(ctx context.Context, correlationKey string) (model.Execution, error)
	ApplyTransition(ctx context.Context, req TransitionRequest) (model.Execution, error)

	// AppendRejected records a transition attempt that lost a state race or
	// arrived for a terminal execution. When ordinal is non-nil the row
	// still participates in dedup, so replays of a rejected delivery are
	// recognized. Returns ErrDuplicateEvent if the ordinal is already
	// recorded.
	AppendRejected(ctx context.Context, executionID uuid.UUID, actor model.Actor, payload map[string]any, ordinal *int64) error

	HasExecutorOrdinal(ctx context.Context, executionID uuid.UUID, ordinal int64) (bool, error)
	ListAuditEvents(ctx context.Context, orgID, executionID uuid.UUID) ([]model.AuditEvent, error)

	// GetVersion fetches a version by id (capability checks).
	GetVersion(ctx context.Context, versionID uuid.UUID) (model.AgentVersion, error)

	// ListPendingBefore returns executions still pending whose creation
	// predates cutoff. Used by the dispatch-timeout reaper.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Execution, error)
}

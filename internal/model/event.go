package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes an audit event.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventDispatched EventKind = "dispatched"
	EventProgressed EventKind = "progressed"
	EventPaused     EventKind = "paused"
	EventResumed    EventKind = "resumed"
	EventCancelled  EventKind = "cancelled"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"

	// EventRejected records a transition that lost a state race or arrived
	// for a terminal execution. Rejected attempts are never silently dropped.
	EventRejected EventKind = "rejected"
)

// Actor identifies what caused an audit event.
type Actor string

const (
	ActorUser     Actor = "user"
	ActorSystem   Actor = "system"
	ActorExecutor Actor = "executor-callback"
)

// AuditEvent is one immutable record in the per-execution audit log.
// Source of truth for "what happened and when". Never mutated or deleted.
//
// SequenceNum is the authoritative ordering key within an execution:
// gap-free, strictly increasing, assigned atomically at append time.
// Timestamps are informational only — clock skew across distributed
// callers must not reorder history.
//
// ExecutorOrdinal carries the executor's own event ordinal for
// callback-driven events; the (ExecutionID, ExecutorOrdinal) pair is
// unique-constrained so replayed webhook deliveries cannot append twice.
type AuditEvent struct {
	ID              uuid.UUID      `json:"id"`
	ExecutionID     uuid.UUID      `json:"execution_id"`
	OrgID           uuid.UUID      `json:"org_id"`
	SequenceNum     int64          `json:"sequence_num"`
	Kind            EventKind      `json:"kind"`
	Actor           Actor          `json:"actor"`
	Payload         map[string]any `json:"payload"`
	ExecutorOrdinal *int64         `json:"executor_ordinal,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

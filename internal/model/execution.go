package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionState is the lifecycle state of one execution instance.
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateCancelled ExecutionState = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// FailureDispatchTimeout is the failure reason recorded when no dispatch
// acknowledgment arrives within the configured window after creation.
const FailureDispatchTimeout = "dispatch-timeout"

// Execution is one invocation instance of an agent version.
//
// Owned exclusively by the execution store and mutated only through the
// orchestrator's transition function. LockVersion is the optimistic
// concurrency column: every committed transition increments it, and the
// state field itself participates in the compare-and-swap predicate.
type Execution struct {
	ID             uuid.UUID      `json:"id"`
	OrgID          uuid.UUID      `json:"org_id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	VersionID      uuid.UUID      `json:"version_id"`
	UserID         string         `json:"user_id"`
	State          ExecutionState `json:"state"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output,omitempty"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	CorrelationKey string         `json:"correlation_key"`
	LockVersion    int64          `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

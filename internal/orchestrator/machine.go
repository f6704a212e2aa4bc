// Package orchestrator owns the execution lifecycle: it creates execution
// instances, applies state transitions from user commands and executor
// callbacks, and keeps the audit log in lockstep with every transition.
//
// The transition table is data, not control flow: commands and callbacks
// are mapped to an Event, and the store applies the resulting state
// compare-and-swap together with the audit append in one transaction.
// Serialization is per-execution (the execution row), never global.
package orchestrator

import (
	"github.com/ashita-ai/shiki/internal/model"
)

// Event is one logical occurrence in an execution's lifecycle.
type Event string

const (
	EventDispatchAck     Event = "dispatch-ack"
	EventStepProgress    Event = "step-progress"
	EventPauseRequested  Event = "pause-requested"
	EventContinue        Event = "continue"
	EventCancel          Event = "cancel"
	EventCompletion      Event = "completion"
	EventFailure         Event = "failure"
	EventDispatchTimeout Event = "dispatch-timeout"
)

// Rule describes one row of the transition table.
type Rule struct {
	From []model.ExecutionState
	To   model.ExecutionState
	Kind model.EventKind
}

// Allows reports whether the rule permits a transition from state s.
func (r Rule) Allows(s model.ExecutionState) bool {
	for _, from := range r.From {
		if from == s {
			return true
		}
	}
	return false
}

var transitions = map[Event]Rule{
	EventDispatchAck: {
		From: []model.ExecutionState{model.StatePending},
		To:   model.StateRunning,
		Kind: model.EventDispatched,
	},
	EventStepProgress: {
		From: []model.ExecutionState{model.StateRunning},
		To:   model.StateRunning,
		Kind: model.EventProgressed,
	},
	EventPauseRequested: {
		From: []model.ExecutionState{model.StateRunning},
		To:   model.StatePaused,
		Kind: model.EventPaused,
	},
	EventContinue: {
		From: []model.ExecutionState{model.StatePaused},
		To:   model.StateRunning,
		Kind: model.EventResumed,
	},
	EventCancel: {
		From: []model.ExecutionState{model.StateRunning, model.StatePaused},
		To:   model.StateCancelled,
		Kind: model.EventCancelled,
	},
	EventCompletion: {
		From: []model.ExecutionState{model.StateRunning},
		To:   model.StateCompleted,
		Kind: model.EventCompleted,
	},
	EventFailure: {
		From: []model.ExecutionState{model.StateRunning, model.StatePaused},
		To:   model.StateFailed,
		Kind: model.EventFailed,
	},
	EventDispatchTimeout: {
		From: []model.ExecutionState{model.StatePending},
		To:   model.StateFailed,
		Kind: model.EventFailed,
	},
}

// RuleFor returns the transition rule for an event.
func RuleFor(e Event) (Rule, bool) {
	r, ok := transitions[e]
	return r, ok
}

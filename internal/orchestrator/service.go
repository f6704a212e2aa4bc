package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/executor"
	"github.com/ashita-ai/shiki/internal/model"
)

// cancelForwardTimeout bounds the fire-and-forget cancel signal to the
// executor. Local state is already committed when the signal goes out.
const cancelForwardTimeout = 10 * time.Second

// Service coordinates execution lifecycle operations.
type Service struct {
	store   Store
	catalog *catalog.Service
	exec    executor.Client
	logger  *slog.Logger
}

// NewService creates the orchestrator service.
func NewService(store Store, cat *catalog.Service, exec executor.Client, logger *slog.Logger) *Service {
	return &Service{store: store, catalog: cat, exec: exec, logger: logger}
}

// Start resolves the requested agent version for the org, creates a pending
// execution with its `created` audit event, and forwards a dispatch request
// to the executor.
//
// Dispatch delivery failure does not fail the start: the request may have
// partially reached the executor, so it is never blindly retried — the
// execution stays pending and the dispatch-timeout reaper fails it if no
// ack arrives within the window.
func (s *Service) Start(ctx context.Context, org model.Organization, userID string, req model.StartExecutionRequest) (model.Execution, error) {
	visible, err := s.catalog.Visible(ctx, org, req.AgentID, time.Now().UTC())
	if err != nil {
		return model.Execution{}, err
	}
	if !visible {
		// Hidden and unknown agents are indistinguishable to the caller.
		return model.Execution{}, catalog.ErrAgentNotFound
	}

	version, err := s.catalog.Resolve(ctx, req.AgentID, req.VersionSelector)
	if err != nil {
		return model.Execution{}, err
	}

	now := time.Now().UTC()
	exec := model.Execution{
		ID:             uuid.New(),
		OrgID:          org.ID,
		AgentID:        req.AgentID,
		VersionID:      version.ID,
		UserID:         userID,
		State:          model.StatePending,
		Input:          req.Input,
		CorrelationKey: uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if exec.Input == nil {
		exec.Input = map[string]any{}
	}

	created, err := s.store.CreateExecution(ctx, exec)
	if err != nil {
		return model.Execution{}, err
	}

	if err := s.exec.Dispatch(ctx, executor.DispatchRequest{
		CorrelationKey:   created.CorrelationKey,
		Executor:         version.Executor,
		ExecutorRef:      version.ExecutorRef,
		ExecutorSelector: version.ExecutorSelector,
		DefinitionRef:    version.DefinitionRef,
		Input:            created.Input,
	}); err != nil {
		s.logger.Warn("orchestrator: dispatch delivery failed, awaiting ack or timeout",
			"execution_id", created.ID, "error", err)
	}
	return created, nil
}

// Status returns the execution, org-scoped.
func (s *Service) Status(ctx context.Context, orgID, executionID uuid.UUID) (model.Execution, error) {
	return s.store.GetExecution(ctx, orgID, executionID)
}

// AuditTrail returns the execution's audit events ordered by sequence
// number, oldest first.
func (s *Service) AuditTrail(ctx context.Context, orgID, executionID uuid.UUID) ([]model.AuditEvent, error) {
	if _, err := s.store.GetExecution(ctx, orgID, executionID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, orgID, executionID)
}

// Pause requests a pause of a running execution. Only versions declaring
// the pausable capability accept it.
func (s *Service) Pause(ctx context.Context, orgID, executionID uuid.UUID, userID string) (model.Execution, error) {
	exec, err := s.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return model.Execution{}, err
	}

	version, err := s.store.GetVersion(ctx, exec.VersionID)
	if err != nil {
		return model.Execution{}, err
	}
	if !version.HasCapability(model.CapabilityPausable) {
		return model.Execution{}, ErrNotPausable
	}

	return s.applyCommand(ctx, exec, EventPauseRequested, map[string]any{"user_id": userID})
}

// Continue resumes a paused execution and forwards a resume instruction to
// the executor.
func (s *Service) Continue(ctx context.Context, orgID, executionID uuid.UUID, userID string) (model.Execution, error) {
	exec, err := s.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return model.Execution{}, err
	}

	updated, err := s.applyCommand(ctx, exec, EventContinue, map[string]any{"user_id": userID})
	if err != nil {
		return model.Execution{}, err
	}

	if err := s.exec.Resume(ctx, updated.CorrelationKey); err != nil {
		s.logger.Warn("orchestrator: resume forward failed",
			"execution_id", updated.ID, "error", err)
	}
	return updated, nil
}

// Cancel cancels a running or paused execution. Local state commits first;
// the cancellation signal to the executor is fire-and-forget so user-visible
// latency never depends on the executor.
func (s *Service) Cancel(ctx context.Context, orgID, executionID uuid.UUID, userID string) (model.Execution, error) {
	exec, err := s.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return model.Execution{}, err
	}

	updated, err := s.applyCommand(ctx, exec, EventCancel, map[string]any{"user_id": userID})
	if err != nil {
		return model.Execution{}, err
	}

	go func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelForwardTimeout)
		defer cancel()
		if err := s.exec.Cancel(fctx, updated.CorrelationKey); err != nil {
			s.logger.Warn("orchestrator: cancel forward failed",
				"execution_id", updated.ID, "error", err)
		}
	}()
	return updated, nil
}

// applyCommand applies a user-actor event through the transition table.
//
// A command against a terminal execution surfaces ErrStaleExecution and is
// recorded as a rejected audit event — a losing racer is never silently
// dropped. A command invalid for a live state surfaces ErrInvalidTransition
// (the caller-visible error is the record).
func (s *Service) applyCommand(ctx context.Context, exec model.Execution, event Event, payload map[string]any) (model.Execution, error) {
	rule, ok := RuleFor(event)
	if !ok {
		return model.Execution{}, ErrInvalidTransition
	}

	if !rule.Allows(exec.State) {
		if exec.State.Terminal() {
			s.recordRejected(ctx, exec.ID, model.ActorUser, event, exec.State, payload, nil)
			return model.Execution{}, ErrStaleExecution
		}
		return model.Execution{}, ErrInvalidTransition
	}

	updated, err := s.store.ApplyTransition(ctx, TransitionRequest{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		Rule:        rule,
		Actor:       model.ActorUser,
		Payload:     payload,
	})
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, ErrStaleState) {
		// Lost a race. Re-read to classify.
		current, gerr := s.store.GetExecution(ctx, exec.OrgID, exec.ID)
		if gerr == nil && current.State.Terminal() {
			s.recordRejected(ctx, exec.ID, model.ActorUser, event, current.State, payload, nil)
			return model.Execution{}, ErrStaleExecution
		}
		return model.Execution{}, ErrInvalidTransition
	}
	return model.Execution{}, err
}

// CallbackOutcome classifies how an executor callback was handled.
type CallbackOutcome string

const (
	// OutcomeApplied means the event produced a state transition (or a
	// progress audit entry).
	OutcomeApplied CallbackOutcome = "applied"
	// OutcomeDuplicate means the delivery replayed an already-recorded
	// ordinal and was dropped without side effects.
	OutcomeDuplicate CallbackOutcome = "duplicate"
	// OutcomeRejected means the event was fresh but the current state does
	// not permit it; a rejected audit event was recorded.
	OutcomeRejected CallbackOutcome = "rejected"
)

// Callback is a validated executor notification forwarded by the webhook
// ingestion gateway.
type Callback struct {
	CorrelationKey string
	Ordinal        int64
	Event          Event
	Payload        map[string]any
	Output         map[string]any
	FailureReason  *string
}

// HandleCallback applies one executor callback. Idempotent under at-least-
// once delivery: replays of a recorded ordinal return OutcomeDuplicate
// without re-applying side effects; fresh events that lose a state race are
// recorded as rejected audit events and still acknowledged, so the executor
// stops retrying them.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (CallbackOutcome, error) {
	exec, err := s.store.GetExecutionByCorrelation(ctx, cb.CorrelationKey)
	if err != nil {
		return "", err
	}

	dup, err := s.store.HasExecutorOrdinal(ctx, exec.ID, cb.Ordinal)
	if err != nil {
		return "", err
	}
	if dup {
		return OutcomeDuplicate, nil
	}

	rule, ok := RuleFor(cb.Event)
	if !ok {
		return "", ErrInvalidTransition
	}

	ordinal := cb.Ordinal
	_, err = s.store.ApplyTransition(ctx, TransitionRequest{
		ExecutionID:     exec.ID,
		OrgID:           exec.OrgID,
		Rule:            rule,
		Actor:           model.ActorExecutor,
		Payload:         cb.Payload,
		Output:          cb.Output,
		FailureReason:   cb.FailureReason,
		ExecutorOrdinal: &ordinal,
	})
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, ErrDuplicateEvent):
		return OutcomeDuplicate, nil
	case errors.Is(err, ErrStaleState):
		// Fresh event, losing state race (e.g. completion after cancel).
		// Record it with its ordinal so a replay of this delivery dedups.
		s.recordRejected(ctx, exec.ID, model.ActorExecutor, cb.Event, exec.State, cb.Payload, &ordinal)
		return OutcomeRejected, nil
	default:
		return "", err
	}
}

func (s *Service) recordRejected(ctx context.Context, executionID uuid.UUID, actor model.Actor, event Event, state model.ExecutionState, payload map[string]any, ordinal *int64) {
	rejected := map[string]any{
		"rejected_event": string(event),
		"current_state":  string(state),
	}
	for k, v := range payload {
		rejected[k] = v
	}
	if err := s.store.AppendRejected(ctx, executionID, actor, rejected, ordinal); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		s.logger.Error("orchestrator: failed to record rejected transition",
			"execution_id", executionID, "error", err)
	}
}

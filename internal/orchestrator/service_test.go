package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/executor"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
)

// fakeStore is an in-memory orchestrator.Store. It reproduces the store
// contract exactly: the compare-and-swap, audit append and ordinal dedup
// happen under one lock, so concurrent transitions admit a single winner.
type fakeStore struct {
	mu     sync.Mutex
	execs  map[uuid.UUID]model.Execution
	byKey  map[string]uuid.UUID
	events map[uuid.UUID][]model.AuditEvent
	vers   map[uuid.UUID]model.AgentVersion
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		execs:  map[uuid.UUID]model.Execution{},
		byKey:  map[string]uuid.UUID{},
		events: map[uuid.UUID][]model.AuditEvent{},
		vers:   map[uuid.UUID]model.AgentVersion{},
	}
}

func (s *fakeStore) appendLocked(executionID, orgID uuid.UUID, kind model.EventKind, actor model.Actor, payload map[string]any, ordinal *int64) {
	s.events[executionID] = append(s.events[executionID], model.AuditEvent{
		ID:              uuid.New(),
		ExecutionID:     executionID,
		OrgID:           orgID,
		SequenceNum:     int64(len(s.events[executionID]) + 1),
		Kind:            kind,
		Actor:           actor,
		Payload:         payload,
		ExecutorOrdinal: ordinal,
		OccurredAt:      time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	})
}

func (s *fakeStore) hasOrdinalLocked(executionID uuid.UUID, ordinal int64) bool {
	for _, ev := range s.events[executionID] {
		if ev.ExecutorOrdinal != nil && *ev.ExecutorOrdinal == ordinal {
			return true
		}
	}
	return false
}

func (s *fakeStore) CreateExecution(_ context.Context, exec model.Execution) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
	s.byKey[exec.CorrelationKey] = exec.ID
	s.appendLocked(exec.ID, exec.OrgID, model.EventCreated, model.ActorUser, map[string]any{"user_id": exec.UserID}, nil)
	return exec, nil
}

func (s *fakeStore) GetExecution(_ context.Context, orgID, id uuid.UUID) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok || exec.OrgID != orgID {
		return model.Execution{}, orchestrator.ErrNotFound
	}
	return exec, nil
}

func (s *fakeStore) GetExecutionByCorrelation(_ context.Context, key string) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return model.Execution{}, orchestrator.ErrNotFound
	}
	return s.execs[id], nil
}

func (s *fakeStore) ApplyTransition(_ context.Context, req orchestrator.TransitionRequest) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[req.ExecutionID]
	if !ok {
		return model.Execution{}, orchestrator.ErrNotFound
	}
	if req.ExecutorOrdinal != nil && s.hasOrdinalLocked(req.ExecutionID, *req.ExecutorOrdinal) {
		return model.Execution{}, orchestrator.ErrDuplicateEvent
	}
	if !req.Rule.Allows(exec.State) {
		return model.Execution{}, orchestrator.ErrStaleState
	}
	exec.State = req.Rule.To
	if req.Output != nil {
		exec.Output = req.Output
	}
	if req.FailureReason != nil {
		exec.FailureReason = req.FailureReason
	}
	exec.LockVersion++
	exec.UpdatedAt = time.Now().UTC()
	s.execs[req.ExecutionID] = exec
	s.appendLocked(req.ExecutionID, exec.OrgID, req.Rule.Kind, req.Actor, req.Payload, req.ExecutorOrdinal)
	return exec, nil
}

func (s *fakeStore) AppendRejected(_ context.Context, executionID uuid.UUID, actor model.Actor, payload map[string]any, ordinal *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return orchestrator.ErrNotFound
	}
	if ordinal != nil && s.hasOrdinalLocked(executionID, *ordinal) {
		return orchestrator.ErrDuplicateEvent
	}
	s.appendLocked(executionID, exec.OrgID, model.EventRejected, actor, payload, ordinal)
	return nil
}

func (s *fakeStore) HasExecutorOrdinal(_ context.Context, executionID uuid.UUID, ordinal int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOrdinalLocked(executionID, ordinal), nil
}

func (s *fakeStore) ListAuditEvents(_ context.Context, _, executionID uuid.UUID) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEvent, len(s.events[executionID]))
	copy(out, s.events[executionID])
	return out, nil
}

func (s *fakeStore) GetVersion(_ context.Context, versionID uuid.UUID) (model.AgentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vers[versionID]
	if !ok {
		return model.AgentVersion{}, orchestrator.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Execution
	for _, exec := range s.execs {
		if exec.State == model.StatePending && exec.CreatedAt.Before(cutoff) {
			out = append(out, exec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// catalogFake is a minimal catalog.Store.
type catalogFake struct {
	agents map[uuid.UUID]model.AgentDefinition
	vers   map[uuid.UUID][]model.AgentVersion
	rules  []model.VisibilityRule
}

func (c *catalogFake) GetAgent(_ context.Context, id uuid.UUID) (model.AgentDefinition, error) {
	a, ok := c.agents[id]
	if !ok {
		return model.AgentDefinition{}, catalog.ErrAgentNotFound
	}
	return a, nil
}

func (c *catalogFake) ListActiveAgents(_ context.Context) ([]model.AgentDefinition, error) {
	var out []model.AgentDefinition
	for _, a := range c.agents {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *catalogFake) ListVersions(_ context.Context, agentID uuid.UUID) ([]model.AgentVersion, error) {
	return c.vers[agentID], nil
}

func (c *catalogFake) ListRules(_ context.Context) ([]model.VisibilityRule, error) {
	return c.rules, nil
}

// recordingClient captures forwarded executor instruction keys.
type recordingClient struct {
	mu         sync.Mutex
	dispatched []string
	resumed    []string
	cancelled  []string
}

func (c *recordingClient) Dispatch(_ context.Context, req executor.DispatchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched = append(c.dispatched, req.CorrelationKey)
	return nil
}

func (c *recordingClient) Resume(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = append(c.resumed, key)
	return nil
}

func (c *recordingClient) Cancel(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, key)
	return nil
}

func (c *recordingClient) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancelled)
}

type testEnv struct {
	svc     *orchestrator.Service
	store   *fakeStore
	client  *recordingClient
	org     model.Organization
	agentID uuid.UUID
}

func newTestEnv(t *testing.T, capabilities ...string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	org := model.Organization{
		ID:     uuid.New(),
		Name:   "Acme",
		Slug:   "acme",
		Plan:   model.PlanPro,
		Region: "us-east",
	}
	agentID := uuid.New()
	published := time.Now().UTC().Add(-time.Hour)
	version := model.AgentVersion{
		ID:            uuid.New(),
		AgentID:       agentID,
		Version:       "1.0.0",
		IsDefault:     true,
		DefinitionRef: "def-abc",
		Executor:      "flowkit",
		ExecutorRef:   "wf-research",
		Capabilities:  capabilities,
		PublishedAt:   &published,
		CreatedAt:     published,
	}

	cat := catalog.New(&catalogFake{
		agents: map[uuid.UUID]model.AgentDefinition{
			agentID: {ID: agentID, Category: "research", Name: "Deep Research", Active: true},
		},
		vers: map[uuid.UUID][]model.AgentVersion{agentID: {version}},
		rules: []model.VisibilityRule{
			{ID: uuid.New(), AgentID: agentID, Enabled: true, CreatedAt: published},
		},
	}, 0, logger)

	store := newFakeStore()
	store.vers[version.ID] = version
	client := &recordingClient{}

	return &testEnv{
		svc:     orchestrator.NewService(store, cat, client, logger),
		store:   store,
		client:  client,
		org:     org,
		agentID: agentID,
	}
}

func (e *testEnv) start(t *testing.T) model.Execution {
	t.Helper()
	exec, err := e.svc.Start(context.Background(), e.org, "user-1", model.StartExecutionRequest{
		AgentID: e.agentID,
		Input:   map[string]any{"query": "quantum error correction"},
	})
	require.NoError(t, err)
	return exec
}

func (e *testEnv) ack(t *testing.T, exec model.Execution) {
	t.Helper()
	out, err := e.svc.HandleCallback(context.Background(), orchestrator.Callback{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        1,
		Event:          orchestrator.EventDispatchAck,
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeApplied, out)
}

func auditKinds(events []model.AuditEvent) []model.EventKind {
	kinds := make([]model.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestStartCreatesPendingAndDispatches(t *testing.T) {
	env := newTestEnv(t)

	exec := env.start(t)
	assert.Equal(t, model.StatePending, exec.State)
	assert.Equal(t, env.org.ID, exec.OrgID)
	assert.NotEmpty(t, exec.CorrelationKey)
	assert.Equal(t, []string{exec.CorrelationKey}, env.client.dispatched)

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{model.EventCreated}, auditKinds(events))
}

func TestStartHiddenAgentReportsNotFound(t *testing.T) {
	env := newTestEnv(t)
	hidden := model.Organization{ID: uuid.New(), Plan: model.PlanFree, Region: "eu-west"}
	// Replace the global allow with a tenant-scoped deny for this org.
	denied := hidden.ID
	env.svc = orchestrator.NewService(env.store, catalog.New(&catalogFake{
		agents: map[uuid.UUID]model.AgentDefinition{
			env.agentID: {ID: env.agentID, Name: "Deep Research", Active: true},
		},
		rules: []model.VisibilityRule{
			{ID: uuid.New(), AgentID: env.agentID, Enabled: true, CreatedAt: time.Now().Add(-time.Hour)},
			{ID: uuid.New(), AgentID: env.agentID, OrgID: &denied, Enabled: false, CreatedAt: time.Now()},
		},
	}, 0, slog.New(slog.NewTextHandler(io.Discard, nil))), env.client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := env.svc.Start(context.Background(), hidden, "user-1", model.StartExecutionRequest{AgentID: env.agentID})
	assert.ErrorIs(t, err, catalog.ErrAgentNotFound)
}

func TestCallbackLifecycleBuildsAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	out, err := env.svc.HandleCallback(context.Background(), orchestrator.Callback{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        2,
		Event:          orchestrator.EventStepProgress,
		Payload:        map[string]any{"step": "search"},
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeApplied, out)

	out, err = env.svc.HandleCallback(context.Background(), orchestrator.Callback{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        3,
		Event:          orchestrator.EventCompletion,
		Output:         map[string]any{"report": "done"},
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeApplied, out)

	final, err := env.svc.Status(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, final.State)
	assert.Equal(t, map[string]any{"report": "done"}, final.Output)

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{
		model.EventCreated, model.EventDispatched, model.EventProgressed, model.EventCompleted,
	}, auditKinds(events))
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNum, "gap-free sequence")
	}
}

func TestCallbackReplayIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	// Redeliver the ack.
	out, err := env.svc.HandleCallback(context.Background(), orchestrator.Callback{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        1,
		Event:          orchestrator.EventDispatchAck,
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDuplicate, out)

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "replay must not append")
	current, err := env.svc.Status(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, current.State)
}

func TestCompletionAfterCancelIsRejectedOnce(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	_, err := env.svc.Cancel(context.Background(), env.org.ID, exec.ID, "user-1")
	require.NoError(t, err)

	cb := orchestrator.Callback{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        2,
		Event:          orchestrator.EventCompletion,
		Output:         map[string]any{"report": "late"},
	}
	out, err := env.svc.HandleCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeRejected, out)

	// The rejected row carries the ordinal, so a redelivery dedups.
	out, err = env.svc.HandleCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDuplicate, out)

	final, err := env.svc.Status(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, final.State)
	assert.Nil(t, final.Output, "losing completion must not write output")

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{
		model.EventCreated, model.EventDispatched, model.EventCancelled, model.EventRejected,
	}, auditKinds(events))
	rejected := events[3]
	assert.Equal(t, model.ActorExecutor, rejected.Actor)
	assert.Equal(t, string(model.StateCancelled), rejected.Payload["current_state"])
}

func TestCommandOnTerminalExecutionIsStale(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	_, err := env.svc.Cancel(context.Background(), env.org.ID, exec.ID, "user-1")
	require.NoError(t, err)

	_, err = env.svc.Cancel(context.Background(), env.org.ID, exec.ID, "user-2")
	assert.ErrorIs(t, err, orchestrator.ErrStaleExecution)

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventRejected, last.Kind)
	assert.Equal(t, model.ActorUser, last.Actor)
}

func TestContinueFromRunningIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	_, err := env.svc.Continue(context.Background(), env.org.ID, exec.ID, "user-1")
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, auditKinds(events), model.EventRejected,
		"invalid command on a live execution is not audited")
}

func TestPauseRequiresCapability(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	_, err := env.svc.Pause(context.Background(), env.org.ID, exec.ID, "user-1")
	assert.ErrorIs(t, err, orchestrator.ErrNotPausable)
}

func TestPauseContinueRoundTrip(t *testing.T) {
	env := newTestEnv(t, model.CapabilityPausable)
	exec := env.start(t)
	env.ack(t, exec)

	paused, err := env.svc.Pause(context.Background(), env.org.ID, exec.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, paused.State)

	resumed, err := env.svc.Continue(context.Background(), env.org.ID, exec.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, resumed.State)
	assert.Equal(t, []string{exec.CorrelationKey}, env.client.resumed)
}

func TestCancelForwardsToExecutor(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	cancelled, err := env.svc.Cancel(context.Background(), env.org.ID, exec.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, cancelled.State)

	// The forward is asynchronous.
	require.Eventually(t, func() bool { return env.client.cancelCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestConcurrentCancelAndCompletionAdmitOneWinner(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)
	env.ack(t, exec)

	const racers = 8
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = env.svc.Cancel(context.Background(), env.org.ID, exec.ID, "user-1")
				return
			}
			_, _ = env.svc.HandleCallback(context.Background(), orchestrator.Callback{
				CorrelationKey: exec.CorrelationKey,
				Ordinal:        int64(100 + i),
				Event:          orchestrator.EventCompletion,
			})
		}()
	}
	wg.Wait()

	final, err := env.svc.Status(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	assert.True(t, final.State.Terminal())

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	terminalEvents := 0
	for _, ev := range events {
		if ev.Kind == model.EventCancelled || ev.Kind == model.EventCompleted {
			terminalEvents++
		}
	}
	assert.Equal(t, 1, terminalEvents, "exactly one racer may win")
}

func TestReaperFailsStalePendingExecution(t *testing.T) {
	env := newTestEnv(t)
	exec := env.start(t)

	// Backdate the creation past the ack window.
	env.store.mu.Lock()
	stale := env.store.execs[exec.ID]
	stale.CreatedAt = time.Now().UTC().Add(-5 * time.Minute)
	env.store.execs[exec.ID] = stale
	env.store.mu.Unlock()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reaper := orchestrator.NewReaper(env.store, 2*time.Minute, 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reaper.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		current, err := env.svc.Status(context.Background(), env.org.ID, exec.ID)
		return err == nil && current.State == model.StateFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	final, err := env.svc.Status(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, model.FailureDispatchTimeout, *final.FailureReason)

	events, err := env.svc.AuditTrail(context.Background(), env.org.ID, exec.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventFailed, last.Kind)
	assert.Equal(t, model.ActorSystem, last.Actor)
}

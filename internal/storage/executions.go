package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
)

const executionColumns = `id, org_id, agent_id, version_id, user_id, state,
	 input, output, failure_reason, correlation_key, lock_version, created_at, updated_at`

// ExecutionNotification is the JSON payload published on ChannelExecutions
// after every committed transition. Consumed by the SSE broker.
type ExecutionNotification struct {
	ExecutionID uuid.UUID            `json:"execution_id"`
	OrgID       uuid.UUID            `json:"org_id"`
	State       model.ExecutionState `json:"state"`
	Kind        model.EventKind      `json:"kind"`
	SequenceNum int64                `json:"sequence_num"`
}

// CreateExecution inserts a new pending execution together with its
// `created` audit event. Implements orchestrator.Store: the row and the
// first audit entry commit atomically, so no execution exists without a
// sequence-1 event.
func (db *DB) CreateExecution(ctx context.Context, exec model.Execution) (model.Execution, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: begin create execution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	input, err := marshalJSON(exec.Input)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: encode input: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO executions (id, org_id, agent_id, version_id, user_id, state,
		 input, correlation_key, lock_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`,
		exec.ID, exec.OrgID, exec.AgentID, exec.VersionID, exec.UserID, exec.State,
		input, exec.CorrelationKey, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: create execution: %w", err)
	}

	seq, err := appendEventTx(ctx, tx, auditInsert{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		Kind:        model.EventCreated,
		Actor:       model.ActorUser,
		Payload:     map[string]any{"user_id": exec.UserID, "agent_id": exec.AgentID, "version_id": exec.VersionID},
	})
	if err != nil {
		return model.Execution{}, err
	}

	if err := notifyExecutionTx(ctx, tx, ExecutionNotification{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		State:       exec.State,
		Kind:        model.EventCreated,
		SequenceNum: seq,
	}); err != nil {
		return model.Execution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Execution{}, fmt.Errorf("storage: commit create execution tx: %w", err)
	}
	return exec, nil
}

// GetExecution retrieves an execution, scoped to an org. Implements
// orchestrator.Store.
func (db *DB) GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.Execution, error) {
	return readWithRetry(ctx, func() (model.Execution, error) {
		row := db.pool.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE id = $1 AND org_id = $2`,
			id, orgID,
		)
		exec, err := scanExecution(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.Execution{}, fmt.Errorf("storage: execution %s: %w", id, orchestrator.ErrNotFound)
			}
			return model.Execution{}, fmt.Errorf("storage: get execution: %w", err)
		}
		return exec, nil
	})
}

// GetExecutionByCorrelation retrieves an execution by its correlation key.
// Global, not org-scoped: the webhook path authenticates by signature, not
// by tenant.
func (db *DB) GetExecutionByCorrelation(ctx context.Context, correlationKey string) (model.Execution, error) {
	return readWithRetry(ctx, func() (model.Execution, error) {
		row := db.pool.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE correlation_key = $1`,
			correlationKey,
		)
		exec, err := scanExecution(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.Execution{}, fmt.Errorf("storage: correlation key %q: %w", correlationKey, orchestrator.ErrNotFound)
			}
			return model.Execution{}, fmt.Errorf("storage: get execution by correlation: %w", err)
		}
		return exec, nil
	})
}

// ApplyTransition performs one state transition atomically: it locks the
// execution row, re-checks the ordinal dedup and the state predicate under
// the lock, updates the row, and appends the audit event with the next
// sequence number. The row lock serializes concurrent transitions per
// execution, which keeps sequence numbers gap-free.
//
// Implements orchestrator.Store; returns its sentinel errors.
func (db *DB) ApplyTransition(ctx context.Context, req orchestrator.TransitionRequest) (model.Execution, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`,
		req.ExecutionID,
	)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Execution{}, fmt.Errorf("storage: execution %s: %w", req.ExecutionID, orchestrator.ErrNotFound)
		}
		return model.Execution{}, fmt.Errorf("storage: lock execution: %w", err)
	}
	if req.OrgID != uuid.Nil && exec.OrgID != req.OrgID {
		return model.Execution{}, fmt.Errorf("storage: execution %s: %w", req.ExecutionID, orchestrator.ErrNotFound)
	}

	if req.ExecutorOrdinal != nil {
		dup, err := hasOrdinalTx(ctx, tx, req.ExecutionID, *req.ExecutorOrdinal)
		if err != nil {
			return model.Execution{}, err
		}
		if dup {
			return model.Execution{}, orchestrator.ErrDuplicateEvent
		}
	}

	if !req.Rule.Allows(exec.State) {
		return model.Execution{}, orchestrator.ErrStaleState
	}

	output, err := marshalJSON(req.Output)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: encode output: %w", err)
	}

	row = tx.QueryRow(ctx,
		`UPDATE executions SET
		   state = $1,
		   output = COALESCE($2, output),
		   failure_reason = COALESCE($3, failure_reason),
		   lock_version = lock_version + 1,
		   updated_at = now()
		 WHERE id = $4
		 RETURNING `+executionColumns,
		req.Rule.To, output, req.FailureReason, req.ExecutionID,
	)
	updated, err := scanExecution(row)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: update execution: %w", err)
	}

	seq, err := appendEventTx(ctx, tx, auditInsert{
		ExecutionID:     req.ExecutionID,
		OrgID:           exec.OrgID,
		Kind:            req.Rule.Kind,
		Actor:           req.Actor,
		Payload:         req.Payload,
		ExecutorOrdinal: req.ExecutorOrdinal,
	})
	if err != nil {
		return model.Execution{}, err
	}

	if err := notifyExecutionTx(ctx, tx, ExecutionNotification{
		ExecutionID: updated.ID,
		OrgID:       updated.OrgID,
		State:       updated.State,
		Kind:        req.Rule.Kind,
		SequenceNum: seq,
	}); err != nil {
		return model.Execution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Execution{}, fmt.Errorf("storage: commit transition tx: %w", err)
	}
	return updated, nil
}

// AppendRejected records a rejected transition attempt without touching the
// execution row's state. Implements orchestrator.Store. The execution row is
// still locked to serialize sequence assignment against winning transitions.
func (db *DB) AppendRejected(ctx context.Context, executionID uuid.UUID, actor model.Actor, payload map[string]any, ordinal *int64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin rejected tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orgID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT org_id FROM executions WHERE id = $1 FOR UPDATE`, executionID,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: execution %s: %w", executionID, orchestrator.ErrNotFound)
		}
		return fmt.Errorf("storage: lock execution: %w", err)
	}

	if ordinal != nil {
		dup, err := hasOrdinalTx(ctx, tx, executionID, *ordinal)
		if err != nil {
			return err
		}
		if dup {
			return orchestrator.ErrDuplicateEvent
		}
	}

	if _, err := appendEventTx(ctx, tx, auditInsert{
		ExecutionID:     executionID,
		OrgID:           orgID,
		Kind:            model.EventRejected,
		Actor:           actor,
		Payload:         payload,
		ExecutorOrdinal: ordinal,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit rejected tx: %w", err)
	}
	return nil
}

// HasExecutorOrdinal reports whether an executor ordinal is already
// recorded for the execution. Implements orchestrator.Store. A cheap
// pre-check only: ApplyTransition re-checks under the row lock.
func (db *DB) HasExecutorOrdinal(ctx context.Context, executionID uuid.UUID, ordinal int64) (bool, error) {
	return readWithRetry(ctx, func() (bool, error) {
		var exists bool
		err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit_events WHERE execution_id = $1 AND executor_ordinal = $2)`,
			executionID, ordinal,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("storage: check executor ordinal: %w", err)
		}
		return exists, nil
	})
}

// ListPendingBefore returns pending executions created before cutoff,
// oldest first. Implements orchestrator.Store for the dispatch-timeout
// reaper.
func (db *DB) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE state = $1 AND created_at < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		model.StatePending, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending executions: %w", err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ListExecutions returns an org's executions, newest first, with pagination.
func (db *DB) ListExecutions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.Execution, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE org_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count executions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE org_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list executions: %w", err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, total, rows.Err()
}

func scanExecution(row pgx.Row) (model.Execution, error) {
	var (
		exec   model.Execution
		input  []byte
		output []byte
	)
	err := row.Scan(
		&exec.ID, &exec.OrgID, &exec.AgentID, &exec.VersionID, &exec.UserID, &exec.State,
		&input, &output, &exec.FailureReason, &exec.CorrelationKey, &exec.LockVersion,
		&exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return model.Execution{}, err
	}
	if err := unmarshalJSON(input, &exec.Input); err != nil {
		return model.Execution{}, fmt.Errorf("decode input: %w", err)
	}
	if err := unmarshalJSON(output, &exec.Output); err != nil {
		return model.Execution{}, fmt.Errorf("decode output: %w", err)
	}
	return exec, nil
}

func notifyExecutionTx(ctx context.Context, tx pgx.Tx, n ExecutionNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("storage: encode notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelExecutions, string(payload)); err != nil {
		return fmt.Errorf("storage: notify execution: %w", err)
	}
	return nil
}

// marshalJSON encodes m for a nullable jsonb column; nil maps become SQL NULL.
func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

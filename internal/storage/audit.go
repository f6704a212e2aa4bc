package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
)

// auditInsert is one event appended inside a transaction that already holds
// the execution row lock.
type auditInsert struct {
	ExecutionID     uuid.UUID
	OrgID           uuid.UUID
	Kind            model.EventKind
	Actor           model.Actor
	Payload         map[string]any
	ExecutorOrdinal *int64
}

// appendEventTx appends one audit event with the next sequence number for
// the execution. Callers must hold the execution row lock in tx; the MAX+1
// subquery is only race-free under that lock. Returns the assigned sequence
// number. A unique violation on (execution_id, executor_ordinal) surfaces
// as orchestrator.ErrDuplicateEvent.
func appendEventTx(ctx context.Context, tx pgx.Tx, e auditInsert) (int64, error) {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("storage: encode event payload: %w", err)
	}
	if payload == nil {
		payload = []byte("{}")
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO audit_events (id, execution_id, org_id, sequence_num, kind, actor, payload, executor_ordinal, occurred_at, created_at)
		 VALUES ($1, $2, $3,
		   (SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM audit_events WHERE execution_id = $2),
		   $4, $5, $6, $7, $8, $8)
		 RETURNING sequence_num`,
		uuid.New(), e.ExecutionID, e.OrgID, e.Kind, e.Actor, payload, e.ExecutorOrdinal, time.Now().UTC(),
	).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err, "audit_events_execution_ordinal_key") {
			return 0, orchestrator.ErrDuplicateEvent
		}
		return 0, fmt.Errorf("storage: append audit event: %w", err)
	}
	return seq, nil
}

// hasOrdinalTx checks the ordinal dedup constraint inside a transaction.
func hasOrdinalTx(ctx context.Context, tx pgx.Tx, executionID uuid.UUID, ordinal int64) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_events WHERE execution_id = $1 AND executor_ordinal = $2)`,
		executionID, ordinal,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check executor ordinal: %w", err)
	}
	return exists, nil
}

// ListAuditEvents returns an execution's audit log ordered by sequence
// number, oldest first. Implements orchestrator.Store. Org-scoped for
// tenant isolation.
func (db *DB) ListAuditEvents(ctx context.Context, orgID, executionID uuid.UUID) ([]model.AuditEvent, error) {
	return readWithRetry(ctx, func() ([]model.AuditEvent, error) {
		rows, err := db.pool.Query(ctx,
			`SELECT id, execution_id, org_id, sequence_num, kind, actor, payload, executor_ordinal, occurred_at, created_at
			 FROM audit_events WHERE execution_id = $1 AND org_id = $2
			 ORDER BY sequence_num ASC`,
			executionID, orgID,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: list audit events: %w", err)
		}
		defer rows.Close()

		var events []model.AuditEvent
		for rows.Next() {
			var (
				ev      model.AuditEvent
				payload []byte
			)
			if err := rows.Scan(
				&ev.ID, &ev.ExecutionID, &ev.OrgID, &ev.SequenceNum, &ev.Kind, &ev.Actor,
				&payload, &ev.ExecutorOrdinal, &ev.OccurredAt, &ev.CreatedAt,
			); err != nil {
				return nil, fmt.Errorf("storage: scan audit event: %w", err)
			}
			if err := unmarshalJSON(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("storage: decode event payload: %w", err)
			}
			events = append(events, ev)
		}
		return events, rows.Err()
	})
}

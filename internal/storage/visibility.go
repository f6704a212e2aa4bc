package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/model"
)

// CreateRule inserts a visibility rule.
func (db *DB) CreateRule(ctx context.Context, rule model.VisibilityRule) (model.VisibilityRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO visibility_rules (id, agent_id, org_id, plan, region, enabled, start_at, end_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.AgentID, rule.OrgID, rule.Plan, rule.Region,
		rule.Enabled, rule.StartAt, rule.EndAt, rule.CreatedAt,
	)
	if err != nil {
		return model.VisibilityRule{}, fmt.Errorf("storage: create visibility rule: %w", err)
	}
	return rule, nil
}

// ListRules returns every visibility rule. Implements catalog.Store; the
// whole set is small and cached, so no filtering happens here.
func (db *DB) ListRules(ctx context.Context) ([]model.VisibilityRule, error) {
	return readWithRetry(ctx, func() ([]model.VisibilityRule, error) {
		rows, err := db.pool.Query(ctx,
			`SELECT id, agent_id, org_id, plan, region, enabled, start_at, end_at, created_at
			 FROM visibility_rules ORDER BY created_at`,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: list visibility rules: %w", err)
		}
		defer rows.Close()

		var rules []model.VisibilityRule
		for rows.Next() {
			var r model.VisibilityRule
			if err := rows.Scan(
				&r.ID, &r.AgentID, &r.OrgID, &r.Plan, &r.Region,
				&r.Enabled, &r.StartAt, &r.EndAt, &r.CreatedAt,
			); err != nil {
				return nil, fmt.Errorf("storage: scan visibility rule: %w", err)
			}
			rules = append(rules, r)
		}
		return rules, rows.Err()
	})
}

// DeleteRule removes a visibility rule.
func (db *DB) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM visibility_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete visibility rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: visibility rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRule retrieves a single visibility rule.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.VisibilityRule, error) {
	var r model.VisibilityRule
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, org_id, plan, region, enabled, start_at, end_at, created_at
		 FROM visibility_rules WHERE id = $1`, id,
	).Scan(&r.ID, &r.AgentID, &r.OrgID, &r.Plan, &r.Region, &r.Enabled, &r.StartAt, &r.EndAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.VisibilityRule{}, fmt.Errorf("storage: visibility rule %s: %w", id, ErrNotFound)
		}
		return model.VisibilityRule{}, fmt.Errorf("storage: get visibility rule: %w", err)
	}
	return r, nil
}

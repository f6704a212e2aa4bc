package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
)

// CreateAgent inserts a new agent definition. New agents start active.
func (db *DB) CreateAgent(ctx context.Context, agent model.AgentDefinition) (model.AgentDefinition, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_definitions (id, category, name, description, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agent.ID, agent.Category, agent.Name, agent.Description, agent.Active, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent definition by ID. Implements catalog.Store.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.AgentDefinition, error) {
	var a model.AgentDefinition
	err := db.pool.QueryRow(ctx,
		`SELECT id, category, name, description, active, created_at, updated_at
		 FROM agent_definitions WHERE id = $1`, id,
	).Scan(&a.ID, &a.Category, &a.Name, &a.Description, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, catalog.ErrAgentNotFound
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns all active agent definitions. Implements catalog.Store.
func (db *DB) ListActiveAgents(ctx context.Context) ([]model.AgentDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, name, description, active, created_at, updated_at
		 FROM agent_definitions WHERE active ORDER BY category, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListAgents returns every agent definition, inactive included. Admin surface.
func (db *DB) ListAgents(ctx context.Context) ([]model.AgentDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, name, description, active, created_at, updated_at
		 FROM agent_definitions ORDER BY category, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// UpdateAgent updates the mutable agent fields. Identity fields (ID,
// Category) never change once the agent exists.
func (db *DB) UpdateAgent(ctx context.Context, agent model.AgentDefinition) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_definitions SET name = $1, description = $2, active = $3, updated_at = $4 WHERE id = $5`,
		agent.Name, agent.Description, agent.Active, time.Now().UTC(), agent.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrAgentNotFound
	}
	return nil
}

func scanAgents(rows pgx.Rows) ([]model.AgentDefinition, error) {
	var agents []model.AgentDefinition
	for rows.Next() {
		var a model.AgentDefinition
		if err := rows.Scan(&a.ID, &a.Category, &a.Name, &a.Description, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CreateVersion inserts a new draft version of an agent. Versions are born
// unpublished; PublishVersion makes them visible to end users.
func (db *DB) CreateVersion(ctx context.Context, v model.AgentVersion) (model.AgentVersion, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Capabilities == nil {
		v.Capabilities = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_versions (id, agent_id, version, is_default, definition_ref,
		 executor, executor_ref, executor_selector, capabilities, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.AgentID, v.Version, v.IsDefault, v.DefinitionRef,
		v.Executor, v.ExecutorRef, v.ExecutorSelector, v.Capabilities, v.PublishedAt, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return model.AgentVersion{}, fmt.Errorf("storage: version %q of agent %s: %w", v.Version, v.AgentID, ErrDuplicate)
		}
		return model.AgentVersion{}, fmt.Errorf("storage: create version: %w", err)
	}
	return v, nil
}

// ListVersions returns every version of an agent, drafts included, newest
// first. Implements catalog.Store; the resolver filters drafts itself.
func (db *DB) ListVersions(ctx context.Context, agentID uuid.UUID) ([]model.AgentVersion, error) {
	return readWithRetry(ctx, func() ([]model.AgentVersion, error) {
		rows, err := db.pool.Query(ctx,
			`SELECT id, agent_id, version, is_default, definition_ref,
			 executor, executor_ref, executor_selector, capabilities, published_at, created_at
			 FROM agent_versions WHERE agent_id = $1 ORDER BY created_at DESC`, agentID,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: list versions: %w", err)
		}
		defer rows.Close()

		var versions []model.AgentVersion
		for rows.Next() {
			var v model.AgentVersion
			if err := rows.Scan(
				&v.ID, &v.AgentID, &v.Version, &v.IsDefault, &v.DefinitionRef,
				&v.Executor, &v.ExecutorRef, &v.ExecutorSelector, &v.Capabilities, &v.PublishedAt, &v.CreatedAt,
			); err != nil {
				return nil, fmt.Errorf("storage: scan version: %w", err)
			}
			versions = append(versions, v)
		}
		return versions, rows.Err()
	})
}

// GetVersion retrieves a version by ID. Implements orchestrator.Store.
func (db *DB) GetVersion(ctx context.Context, versionID uuid.UUID) (model.AgentVersion, error) {
	var v model.AgentVersion
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, version, is_default, definition_ref,
		 executor, executor_ref, executor_selector, capabilities, published_at, created_at
		 FROM agent_versions WHERE id = $1`, versionID,
	).Scan(
		&v.ID, &v.AgentID, &v.Version, &v.IsDefault, &v.DefinitionRef,
		&v.Executor, &v.ExecutorRef, &v.ExecutorSelector, &v.Capabilities, &v.PublishedAt, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentVersion{}, fmt.Errorf("storage: version %s: %w", versionID, orchestrator.ErrNotFound)
		}
		return model.AgentVersion{}, fmt.Errorf("storage: get version: %w", err)
	}
	return v, nil
}

// PublishVersion stamps published_at on a draft. Publishing is one-way:
// an already published version keeps its original timestamp.
func (db *DB) PublishVersion(ctx context.Context, versionID uuid.UUID) (model.AgentVersion, error) {
	_, err := db.pool.Exec(ctx,
		`UPDATE agent_versions SET published_at = now() WHERE id = $1 AND published_at IS NULL`,
		versionID,
	)
	if err != nil {
		return model.AgentVersion{}, fmt.Errorf("storage: publish version: %w", err)
	}
	return db.GetVersion(ctx, versionID)
}

// SetDefaultVersion makes versionID the agent's default, clearing the
// previous default in the same transaction. Only published versions may be
// the default; the partial unique index on (agent_id) WHERE is_default
// backstops the single-default invariant.
func (db *DB) SetDefaultVersion(ctx context.Context, agentID, versionID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin set default tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE agent_versions SET is_default = false WHERE agent_id = $1 AND is_default`,
		agentID,
	); err != nil {
		return fmt.Errorf("storage: clear default version: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE agent_versions SET is_default = true
		 WHERE id = $1 AND agent_id = $2 AND published_at IS NOT NULL`,
		versionID, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: set default version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: version %s is not a published version of agent %s: %w",
			versionID, agentID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit set default tx: %w", err)
	}
	return nil
}

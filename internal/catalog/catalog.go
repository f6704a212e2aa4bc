// Package catalog resolves what each tenant can see and run: which agents
// are visible to an organization and which version of an agent a given
// selector picks.
//
// Resolution logic is pure (no I/O); the Service wires it to the catalog
// store and a short-TTL rule cache. The catalog tables are read-only to
// this package — administration writes go through the storage layer.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

var (
	// ErrAgentNotFound is returned for an unknown or inactive agent.
	ErrAgentNotFound = errors.New("catalog: agent not found")
	// ErrNoDefaultVersion indicates no version is flagged is_default.
	// An administration error, not a runtime-recoverable condition.
	ErrNoDefaultVersion = errors.New("catalog: no default version")
	// ErrNoMatchingVersion indicates no published version satisfies the selector.
	ErrNoMatchingVersion = errors.New("catalog: no version matches selector")
)

// Store is the narrow repository contract the resolvers read through.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.AgentDefinition, error)
	ListActiveAgents(ctx context.Context) ([]model.AgentDefinition, error)
	ListVersions(ctx context.Context, agentID uuid.UUID) ([]model.AgentVersion, error)
	ListRules(ctx context.Context) ([]model.VisibilityRule, error)
}

// Service answers catalog queries over a Store, caching the read-mostly
// visibility rule set with a short TTL.
type Service struct {
	store  Store
	rules  *RuleCache
	logger *slog.Logger
}

// New creates a catalog service. ruleTTL bounds how stale the cached
// visibility rule set may be; zero disables caching.
func New(store Store, ruleTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		rules:  NewRuleCache(ruleTTL),
		logger: logger,
	}
}

// Resolve selects the applicable published version of an agent for end users.
// An empty selector picks the default version.
func (s *Service) Resolve(ctx context.Context, agentID uuid.UUID, selector string) (model.AgentVersion, error) {
	return s.resolve(ctx, agentID, selector, false)
}

// ResolvePreview is the administrator preview path: drafts (unpublished
// versions) are included in resolution.
func (s *Service) ResolvePreview(ctx context.Context, agentID uuid.UUID, selector string) (model.AgentVersion, error) {
	return s.resolve(ctx, agentID, selector, true)
}

func (s *Service) resolve(ctx context.Context, agentID uuid.UUID, selector string, includeDrafts bool) (model.AgentVersion, error) {
	versions, err := s.store.ListVersions(ctx, agentID)
	if err != nil {
		return model.AgentVersion{}, err
	}
	if len(versions) == 0 {
		return model.AgentVersion{}, ErrAgentNotFound
	}
	return ResolveVersion(versions, selector, includeDrafts)
}

// EffectiveCatalog computes the set of agents visible to an org at asOf,
// paired with each agent's default published version. Agents whose default
// version cannot be resolved are skipped with a warning — a catalog
// administration gap must not fail the whole listing.
func (s *Service) EffectiveCatalog(ctx context.Context, org model.Organization, asOf time.Time) ([]model.CatalogEntry, error) {
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, err
	}

	rules, ok := s.rules.Get()
	if !ok {
		rules, err = s.store.ListRules(ctx)
		if err != nil {
			return nil, err
		}
		s.rules.Set(rules)
	}

	visible := EffectiveAgents(agents, rules, org.ID, org.Plan, org.Region, asOf)

	entries := make([]model.CatalogEntry, 0, len(visible))
	for _, agent := range visible {
		version, err := s.Resolve(ctx, agent.ID, "")
		if err != nil {
			s.logger.Warn("catalog: skipping agent without resolvable default version",
				"agent_id", agent.ID, "error", err)
			continue
		}
		entries = append(entries, model.CatalogEntry{Agent: agent, DefaultVersion: version})
	}
	return entries, nil
}

// Visible reports whether a single agent is in the org's effective catalog
// at asOf. Used on the execution start path so a tenant cannot invoke an
// agent its rules hide.
func (s *Service) Visible(ctx context.Context, org model.Organization, agentID uuid.UUID, asOf time.Time) (bool, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}

	rules, ok := s.rules.Get()
	if !ok {
		rules, err = s.store.ListRules(ctx)
		if err != nil {
			return false, err
		}
		s.rules.Set(rules)
	}

	visible := EffectiveAgents([]model.AgentDefinition{agent}, rules, org.ID, org.Plan, org.Region, asOf)
	return len(visible) == 1, nil
}

// InvalidateRules drops the cached rule snapshot. Called after rule writes
// so admins observe their own changes immediately.
func (s *Service) InvalidateRules() {
	s.rules.Invalidate()
}

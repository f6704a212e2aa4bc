package model

import (
	"time"

	"github.com/google/uuid"
)

// RuleSpecificity ranks visibility rules. Higher values override lower ones:
// a tenant-scoped rule beats a plan-scoped rule beats a region-scoped rule
// beats the global default.
type RuleSpecificity int

const (
	SpecificityGlobal RuleSpecificity = iota
	SpecificityRegion
	SpecificityPlan
	SpecificityTenant
)

// VisibilityRule is a scoped enable/disable decision over an agent.
// Nil scope fields mean "any". An optional validity window [StartAt, EndAt)
// bounds when the rule applies; a rule outside its window is treated as
// absent, not as a deny.
type VisibilityRule struct {
	ID        uuid.UUID  `json:"id"`
	AgentID   uuid.UUID  `json:"agent_id"`
	OrgID     *uuid.UUID `json:"org_id,omitempty"`
	Plan      *Plan      `json:"plan,omitempty"`
	Region    *string    `json:"region,omitempty"`
	Enabled   bool       `json:"enabled"`
	StartAt   *time.Time `json:"start_at,omitempty"`
	EndAt     *time.Time `json:"end_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Specificity returns the rule's precedence rank. A rule scoped to a tenant
// ranks as tenant-specific regardless of any additional plan or region scope.
func (r VisibilityRule) Specificity() RuleSpecificity {
	switch {
	case r.OrgID != nil:
		return SpecificityTenant
	case r.Plan != nil:
		return SpecificityPlan
	case r.Region != nil:
		return SpecificityRegion
	default:
		return SpecificityGlobal
	}
}

// ActiveAt reports whether asOf falls inside the rule's validity window.
// Unset bounds are open.
func (r VisibilityRule) ActiveAt(asOf time.Time) bool {
	if r.StartAt != nil && asOf.Before(*r.StartAt) {
		return false
	}
	if r.EndAt != nil && !asOf.Before(*r.EndAt) {
		return false
	}
	return true
}

// Matches reports whether the rule applies to the given tenant coordinates.
// Each set scope field must equal the query value.
func (r VisibilityRule) Matches(orgID uuid.UUID, plan Plan, region string) bool {
	if r.OrgID != nil && *r.OrgID != orgID {
		return false
	}
	if r.Plan != nil && *r.Plan != plan {
		return false
	}
	if r.Region != nil && *r.Region != region {
		return false
	}
	return true
}

// CatalogEntry pairs an included agent with its resolved default version.
// The result element of effective-catalog resolution.
type CatalogEntry struct {
	Agent          AgentDefinition `json:"agent"`
	DefaultVersion AgentVersion    `json:"default_version"`
}

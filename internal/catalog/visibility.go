package catalog

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// EffectiveAgents filters agents by the visibility rule set for one tenant
// coordinate (org, plan, region) at asOf. Pure and deterministic.
//
// Per agent, the applicable rules (matching scope, inside their validity
// window) are ranked by specificity: tenant > plan > region > global. The
// highest-specificity rule decides inclusion; an explicit deny at higher
// specificity always wins over an allow at lower specificity. Ties at equal
// specificity go to the most recently created rule. An agent with no
// applicable rule is excluded — absence is not allow.
//
// A rule outside its validity window is treated as absent, never as a deny.
func EffectiveAgents(
	agents []model.AgentDefinition,
	rules []model.VisibilityRule,
	orgID uuid.UUID,
	plan model.Plan,
	region string,
	asOf time.Time,
) []model.AgentDefinition {
	byAgent := make(map[uuid.UUID][]model.VisibilityRule)
	for _, r := range rules {
		if !r.ActiveAt(asOf) || !r.Matches(orgID, plan, region) {
			continue
		}
		byAgent[r.AgentID] = append(byAgent[r.AgentID], r)
	}

	var visible []model.AgentDefinition
	for _, agent := range agents {
		if !agent.Active {
			continue
		}
		applicable := byAgent[agent.ID]
		if len(applicable) == 0 {
			continue // Deny by default.
		}
		if winningRule(applicable).Enabled {
			visible = append(visible, agent)
		}
	}
	return visible
}

// winningRule picks the deciding rule: highest specificity, then newest.
func winningRule(rules []model.VisibilityRule) model.VisibilityRule {
	sort.SliceStable(rules, func(i, j int) bool {
		si, sj := rules[i].Specificity(), rules[j].Specificity()
		if si != sj {
			return si > sj
		}
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules[0]
}

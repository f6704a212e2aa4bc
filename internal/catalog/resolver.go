package catalog

import (
	semver "github.com/Masterminds/semver/v3"

	"github.com/ashita-ai/shiki/internal/model"
)

// ResolveVersion selects a version from the given set.
//
// With an empty selector, the version flagged is_default wins (at most one
// exists — enforced at write time). With a selector, the set is filtered to
// versions satisfying it and the highest semantic version wins. Selectors
// are SemVer constraint expressions ("^2", "~1.4.0", ">=1.0.0 <2.0.0") or
// an exact version string.
//
// Drafts (unpublished versions) are excluded unless includeDrafts is set —
// the administrator preview path.
func ResolveVersion(versions []model.AgentVersion, selector string, includeDrafts bool) (model.AgentVersion, error) {
	selectable := make([]model.AgentVersion, 0, len(versions))
	for _, v := range versions {
		if !includeDrafts && !v.Published() {
			continue
		}
		selectable = append(selectable, v)
	}

	if selector == "" {
		for _, v := range selectable {
			if v.IsDefault {
				return v, nil
			}
		}
		return model.AgentVersion{}, ErrNoDefaultVersion
	}

	constraint, err := semver.NewConstraint(selector)
	if err != nil {
		// Not a parseable constraint — fall back to exact string match.
		for _, v := range selectable {
			if v.Version == selector {
				return v, nil
			}
		}
		return model.AgentVersion{}, ErrNoMatchingVersion
	}

	var best model.AgentVersion
	var bestParsed *semver.Version
	for _, v := range selectable {
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			continue // Malformed stored version; unmatchable by constraints.
		}
		if !constraint.Check(parsed) {
			continue
		}
		if bestParsed == nil || parsed.GreaterThan(bestParsed) {
			best = v
			bestParsed = parsed
		}
	}
	if bestParsed == nil {
		return model.AgentVersion{}, ErrNoMatchingVersion
	}
	return best, nil
}

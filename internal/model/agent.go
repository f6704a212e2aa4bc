package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AgentDefinition is the identity of a catalog entry: a reusable, versioned
// workflow definition offered to tenants. Identity is immutable once any
// execution references it; only Name, Description and Active may change.
type AgentDefinition struct {
	ID          uuid.UUID `json:"id"`
	Category    string    `json:"category"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CapabilityPausable marks a version whose executor supports pausing a
// running execution. Pause requests against versions without this tag fail.
const CapabilityPausable = "pausable"

// AgentVersion is one immutable release of an AgentDefinition.
//
// DefinitionRef points at an immutable definition snapshot (an opaque
// document id owned by the definition store); it is never rewritten after
// publish. A version with a nil PublishedAt is a draft: invisible to end
// users, selectable only through the admin preview path.
type AgentVersion struct {
	ID               uuid.UUID  `json:"id"`
	AgentID          uuid.UUID  `json:"agent_id"`
	Version          string     `json:"version"` // Semantic version string, e.g. "1.4.0".
	IsDefault        bool       `json:"is_default"`
	DefinitionRef    string     `json:"definition_ref"`
	Executor         string     `json:"executor"` // Executor identifier, e.g. "flowkit".
	ExecutorRef      string     `json:"executor_ref"`
	ExecutorSelector *string    `json:"executor_selector,omitempty"`
	Capabilities     []string   `json:"capabilities"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Published reports whether the version is visible to end users.
func (v AgentVersion) Published() bool {
	return v.PublishedAt != nil
}

// HasCapability reports whether the version declares the given capability tag.
func (v AgentVersion) HasCapability(tag string) bool {
	return slices.Contains(v.Capabilities, tag)
}

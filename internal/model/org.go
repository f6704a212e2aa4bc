// Package model defines the core domain types for Shiki.
//
// All types correspond directly to database tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Plan is a subscription tier. Visibility rules may be scoped to a plan.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Organization is a tenant. Every catalog query and execution is scoped
// to exactly one organization.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      Plan      `json:"plan"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserRole controls what a user may do within their organization.
type UserRole string

const (
	// RoleMember can browse the effective catalog and manage their own executions.
	RoleMember UserRole = "member"
	// RoleAdmin can additionally administer the catalog and preview draft versions.
	RoleAdmin UserRole = "admin"
)

// RoleAtLeast reports whether role meets or exceeds the required role.
func RoleAtLeast(role, required UserRole) bool {
	if role == RoleAdmin {
		return true
	}
	return role == required
}

// User is an authenticated principal within an organization.
// Authentication is by API key (Argon2id hash stored here); authorization
// is by role.
type User struct {
	ID         uuid.UUID `json:"id"`
	OrgID      uuid.UUID `json:"org_id"`
	UserID     string    `json:"user_id"` // Human-readable identifier, unique per org.
	Role       UserRole  `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

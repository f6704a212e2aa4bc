package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field limits for caller-supplied payloads. These bound what flows into
// Postgres JSONB columns and webhook-forwarded requests.
const (
	MaxInputBytes         = 256 * 1024 // 256 KB serialized input payload
	MaxVersionSelectorLen = 100
	MaxUserIDLen          = 200
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeNoDefaultVersion  = "NO_DEFAULT_VERSION"
	ErrCodeNoMatchingVersion = "NO_MATCHING_VERSION"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotPausable       = "NOT_PAUSABLE"
	ErrCodeStaleExecution    = "STALE_EXECUTION"
)

// AuthTokenRequest is the body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartExecutionRequest is the body for POST /v1/executions.
type StartExecutionRequest struct {
	AgentID         uuid.UUID      `json:"agent_id"`
	VersionSelector string         `json:"version_selector,omitempty"`
	Input           map[string]any `json:"input"`
}

// Validate checks field limits on a start request.
func (r StartExecutionRequest) Validate() error {
	if r.AgentID == uuid.Nil {
		return fmt.Errorf("agent_id is required")
	}
	if len(r.VersionSelector) > MaxVersionSelectorLen {
		return fmt.Errorf("version_selector exceeds maximum length of %d characters", MaxVersionSelectorLen)
	}
	return nil
}

// CreateAgentRequest is the body for POST /v1/agents.
type CreateAgentRequest struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateVersionRequest is the body for POST /v1/agents/{agent_id}/versions.
// Versions are created as drafts; publishing is a separate operation.
type CreateVersionRequest struct {
	Version          string   `json:"version"`
	DefinitionRef    string   `json:"definition_ref"`
	Executor         string   `json:"executor"`
	ExecutorRef      string   `json:"executor_ref"`
	ExecutorSelector *string  `json:"executor_selector,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// CreateRuleRequest is the body for POST /v1/visibility-rules.
type CreateRuleRequest struct {
	AgentID uuid.UUID  `json:"agent_id"`
	OrgID   *uuid.UUID `json:"org_id,omitempty"`
	Plan    *Plan      `json:"plan,omitempty"`
	Region  *string    `json:"region,omitempty"`
	Enabled bool       `json:"enabled"`
	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`
}

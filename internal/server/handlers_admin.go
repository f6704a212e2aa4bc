package server

import (
	"errors"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
	"github.com/ashita-ai/shiki/internal/storage"
)

// Catalog administration endpoints. All routes here are wrapped with
// requireRole(model.RoleAdmin) at registration.

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.Category == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and category are required")
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), model.AgentDefinition{
		ID:          uuid.New(),
		Category:    req.Category,
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents.
// Lists every agent definition, including inactive ones, without
// visibility filtering. The tenant-facing view is GET /v1/catalog.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"agents": agents})
}

// HandleUpdateAgent handles PATCH /v1/agents/{agent_id}. Only Name,
// Description and Active may change; identity fields are immutable.
// Deactivating an agent hides it from every tenant catalog without
// touching its versions or visibility rules.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Active      *bool   `json:"active"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, catalog.ErrAgentNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name cannot be empty")
			return
		}
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}
	if err := h.db.UpdateAgent(r.Context(), agent); err != nil {
		h.writeInternalError(w, r, "failed to update agent", err)
		return
	}

	updated, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		h.writeInternalError(w, r, "failed to reload agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	agent, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, catalog.ErrAgentNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleCreateVersion handles POST /v1/agents/{agent_id}/versions.
// New versions start as drafts; publishing is a separate step.
func (h *Handlers) HandleCreateVersion(w http.ResponseWriter, r *http.Request) {
	agentID, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CreateVersionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.DefinitionRef == "" || req.Executor == "" || req.ExecutorRef == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"definition_ref, executor and executor_ref are required")
		return
	}
	if _, err := semver.StrictNewVersion(req.Version); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"version must be a valid semantic version, e.g. 1.4.0")
		return
	}

	if _, err := h.db.GetAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, catalog.ErrAgentNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}

	version, err := h.db.CreateVersion(r.Context(), model.AgentVersion{
		ID:               uuid.New(),
		AgentID:          agentID,
		Version:          req.Version,
		DefinitionRef:    req.DefinitionRef,
		Executor:         req.Executor,
		ExecutorRef:      req.ExecutorRef,
		ExecutorSelector: req.ExecutorSelector,
		Capabilities:     req.Capabilities,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "version already exists for this agent")
			return
		}
		h.writeInternalError(w, r, "failed to create version", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, version)
}

// HandleListVersions handles GET /v1/agents/{agent_id}/versions.
func (h *Handlers) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	agentID, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	versions, err := h.db.ListVersions(r.Context(), agentID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list versions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"versions": versions})
}

// HandlePublishVersion handles POST /v1/versions/{version_id}/publish.
// Publishing is one-way: a published version never reverts to draft, and
// its publish timestamp is never rewritten on repeat calls.
func (h *Handlers) HandlePublishVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := parsePathUUID(r, "version_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	version, err := h.db.PublishVersion(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "version not found")
			return
		}
		h.writeInternalError(w, r, "failed to publish version", err)
		return
	}

	writeJSON(w, r, http.StatusOK, version)
}

// HandleSetDefaultVersion handles POST /v1/versions/{version_id}/default.
// Only published versions can become the default.
func (h *Handlers) HandleSetDefaultVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := parsePathUUID(r, "version_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	version, err := h.db.GetVersion(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "version not found")
			return
		}
		h.writeInternalError(w, r, "failed to load version", err)
		return
	}
	if !version.Published() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "draft versions cannot be the default")
		return
	}

	if err := h.db.SetDefaultVersion(r.Context(), version.AgentID, versionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "version not found")
			return
		}
		h.writeInternalError(w, r, "failed to set default version", err)
		return
	}

	updated, err := h.db.GetVersion(r.Context(), versionID)
	if err != nil {
		h.writeInternalError(w, r, "failed to read back version", err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleResolveVersion handles GET /v1/agents/{agent_id}/resolve.
// Dry-runs version resolution for a selector without starting anything.
// With preview=true, draft versions participate in resolution.
func (h *Handlers) HandleResolveVersion(w http.ResponseWriter, r *http.Request) {
	agentID, err := parsePathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	selector := r.URL.Query().Get("selector")
	if len(selector) > model.MaxVersionSelectorLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "selector too long")
		return
	}
	preview := r.URL.Query().Get("preview") == "true"

	var version model.AgentVersion
	if preview {
		version, err = h.catalog.ResolvePreview(r.Context(), agentID, selector)
	} else {
		version, err = h.catalog.Resolve(r.Context(), agentID, selector)
	}
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrAgentNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, catalog.ErrNoDefaultVersion):
			writeError(w, r, http.StatusConflict, model.ErrCodeNoDefaultVersion, "agent has no default version")
		case errors.Is(err, catalog.ErrNoMatchingVersion):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNoMatchingVersion, "no version matches selector")
		default:
			h.writeInternalError(w, r, "failed to resolve version", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, version)
}

// HandleCreateRule handles POST /v1/visibility-rules.
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}
	if req.Plan != nil {
		switch *req.Plan {
		case model.PlanFree, model.PlanPro, model.PlanEnterprise:
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown plan")
			return
		}
	}
	if req.StartAt != nil && req.EndAt != nil && !req.EndAt.After(*req.StartAt) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "end_at must be after start_at")
		return
	}

	if _, err := h.db.GetAgent(r.Context(), req.AgentID); err != nil {
		if errors.Is(err, catalog.ErrAgentNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}

	rule, err := h.db.CreateRule(r.Context(), model.VisibilityRule{
		ID:      uuid.New(),
		AgentID: req.AgentID,
		OrgID:   req.OrgID,
		Plan:    req.Plan,
		Region:  req.Region,
		Enabled: req.Enabled,
		StartAt: req.StartAt,
		EndAt:   req.EndAt,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create rule", err)
		return
	}

	// Drop the cached rule snapshot so the change is visible immediately.
	h.catalog.InvalidateRules()

	writeJSON(w, r, http.StatusCreated, rule)
}

// HandleListRules handles GET /v1/visibility-rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.ListRules(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list rules", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"rules": rules})
}

// HandleDeleteRule handles DELETE /v1/visibility-rules/{id}.
func (h *Handlers) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := parsePathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.DeleteRule(r.Context(), ruleID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "rule not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete rule", err)
		return
	}

	h.catalog.InvalidateRules()

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func parsePathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, errors.New(key + " is required")
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, errors.New("invalid " + key + ": " + v)
	}
	return id, nil
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/executor"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/webhook"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	catalog             *catalog.Service
	orch                *orchestrator.Service
	gateway             *webhook.Gateway
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Gateway, Broker.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Catalog             *catalog.Service
	Orchestrator        *orchestrator.Service
	Gateway             *webhook.Gateway
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		catalog:             d.Catalog,
		orch:                d.Orchestrator,
		gateway:             d.Gateway,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and api_key are required")
		return
	}
	if len(req.UserID) > model.MaxUserIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id too long")
		return
	}

	user, err := h.db.GetUserByUserID(r.Context(), req.UserID)
	if err != nil {
		// Burn a hash verification so unknown users cost the same as a
		// wrong key. Keeps response timing from leaking which user IDs exist.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCatalog handles GET /v1/catalog.
// Returns the caller org's effective catalog: visible agents paired with
// their default published version. An optional as_of query parameter
// evaluates scheduled visibility windows at a different instant.
func (h *Handlers) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	org, err := h.db.GetOrganization(r.Context(), claims.OrgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load organization", err)
		return
	}

	asOf := time.Now().UTC()
	if t, err := queryTime(r, "as_of"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	} else if t != nil {
		asOf = *t
	}

	entries, err := h.catalog.EffectiveCatalog(r.Context(), org, asOf)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve catalog", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents": entries,
		"as_of":  asOf,
	})
}

// HandleStartExecution handles POST /v1/executions.
func (h *Handlers) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.StartExecutionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if raw, err := json.Marshal(req.Input); err == nil && len(raw) > model.MaxInputBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "input payload too large")
		return
	}

	org, err := h.db.GetOrganization(r.Context(), claims.OrgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load organization", err)
		return
	}

	exec, err := h.orch.Start(r.Context(), org, claims.UserID, req)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrAgentNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, catalog.ErrNoDefaultVersion):
			writeError(w, r, http.StatusConflict, model.ErrCodeNoDefaultVersion, "agent has no default version")
		case errors.Is(err, catalog.ErrNoMatchingVersion):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNoMatchingVersion, "no published version matches selector")
		default:
			h.writeInternalError(w, r, "failed to start execution", err)
		}
		return
	}

	writeJSON(w, r, http.StatusCreated, exec)
}

// HandleGetExecution handles GET /v1/executions/{id}.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	execID, err := parseExecutionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exec, err := h.orch.Status(r.Context(), claims.OrgID, execID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
			return
		}
		h.writeInternalError(w, r, "failed to get execution", err)
		return
	}

	writeJSON(w, r, http.StatusOK, exec)
}

// HandleListExecutions handles GET /v1/executions.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	execs, total, err := h.db.ListExecutions(r.Context(), claims.OrgID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list executions", err)
		return
	}

	writeList(w, r, execs, total, limit, offset)
}

// HandlePauseExecution handles POST /v1/executions/{id}/pause.
func (h *Handlers) HandlePauseExecution(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.orch.Pause)
}

// HandleContinueExecution handles POST /v1/executions/{id}/continue.
func (h *Handlers) HandleContinueExecution(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.orch.Continue)
}

// HandleCancelExecution handles POST /v1/executions/{id}/cancel.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.orch.Cancel)
}

// handleCommand runs one user lifecycle command (pause/continue/cancel)
// and maps the command error taxonomy onto HTTP statuses.
func (h *Handlers) handleCommand(
	w http.ResponseWriter, r *http.Request,
	cmd func(ctx context.Context, orgID, executionID uuid.UUID, userID string) (model.Execution, error),
) {
	claims := ClaimsFromContext(r.Context())
	execID, err := parseExecutionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exec, err := cmd(r.Context(), claims.OrgID, execID, claims.UserID)
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, exec)
}

// writeCommandError maps lifecycle command failures to error responses.
func (h *Handlers) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
	case errors.Is(err, orchestrator.ErrNotPausable):
		writeError(w, r, http.StatusConflict, model.ErrCodeNotPausable, "agent version does not support pausing")
	case errors.Is(err, orchestrator.ErrStaleExecution):
		writeError(w, r, http.StatusConflict, model.ErrCodeStaleExecution, "execution already reached a terminal state")
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, "transition not allowed from current state")
	case errors.Is(err, orchestrator.ErrStaleState):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "execution state changed concurrently, re-read and retry")
	default:
		h.writeInternalError(w, r, "command failed", err)
	}
}

// HandleAuditTrail handles GET /v1/executions/{id}/events.
func (h *Handlers) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	execID, err := parseExecutionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.orch.AuditTrail(r.Context(), claims.OrgID, execID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
			return
		}
		h.writeInternalError(w, r, "failed to get audit trail", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"execution_id": execID,
		"events":       events,
	})
}

// HandleExecutorWebhook handles POST /webhooks/executor.
//
// Authentication is the HMAC signature over the exact body bytes, not a
// JWT. Duplicate and rejected deliveries are acknowledged with 200 so the
// executor stops retrying them.
func (h *Handlers) HandleExecutorWebhook(w http.ResponseWriter, r *http.Request) {
	if h.gateway == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "executor webhook not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	outcome, err := h.gateway.Ingest(r.Context(), body, r.Header.Get(executor.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrBadSignature):
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
		case errors.Is(err, webhook.ErrMalformed):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, orchestrator.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown correlation key")
		default:
			h.writeInternalError(w, r, "failed to process webhook", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// HandleSubscribe handles GET /v1/executions/subscribe (SSE).
// Streams execution state change notifications scoped to the caller's org.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	claims := ClaimsFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(claims.OrgID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":   status,
		"version":  h.version,
		"postgres": pgStatus,
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp["sse_broker"] = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// defaultOrgSlug identifies the organization the seeded admin belongs to.
const defaultOrgSlug = "default"

// SeedAdmin ensures the bootstrap admin user exists. Without at least one
// admin there is no way to populate the catalog on a fresh database.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed")
		return nil
	}

	org, err := h.db.GetOrganizationBySlug(ctx, defaultOrgSlug)
	if errors.Is(err, storage.ErrNotFound) {
		org, err = h.db.CreateOrganization(ctx, model.Organization{
			ID:     uuid.New(),
			Name:   "Default",
			Slug:   defaultOrgSlug,
			Plan:   model.PlanEnterprise,
			Region: "us-east",
		})
		if err != nil && !errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("seed admin: create default org: %w", err)
		}
		if errors.Is(err, storage.ErrDuplicate) {
			org, err = h.db.GetOrganizationBySlug(ctx, defaultOrgSlug)
		}
	}
	if err != nil {
		return fmt.Errorf("seed admin: load default org: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if _, err := h.db.UpsertUser(ctx, model.User{
		OrgID:      org.ID,
		UserID:     "admin",
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}); err != nil {
		return fmt.Errorf("seed admin: upsert user: %w", err)
	}

	h.logger.Info("seeded admin user", "org_id", org.ID)
	return nil
}

// writeInternalError logs the error with its request ID and returns an
// opaque 500 to the caller.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parseExecutionID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("execution id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid execution id: %s", idStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/webhook"
)

// Server is the Shiki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Gateway, Broker, Limiter.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Catalog      *catalog.Service
	Orchestrator *orchestrator.Service
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Gateway *webhook.Gateway
	Broker  *Broker
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Catalog:             cfg.Catalog,
		Orchestrator:        cfg.Orchestrator,
		Gateway:             cfg.Gateway,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Per-concern rate limits. Auth and the webhook are keyed by IP (no
	// claims yet); everything else by org, with admins exempt.
	authRL := ratelimit.Middleware(cfg.Limiter, prefixKeyFunc("auth", ratelimit.IPKeyFunc), reqIDFunc, cfg.Logger)
	webhookRL := ratelimit.Middleware(cfg.Limiter, prefixKeyFunc("webhook", ratelimit.IPKeyFunc), reqIDFunc, cfg.Logger)
	apiRL := ratelimit.Middleware(cfg.Limiter, prefixKeyFunc("api", orgKeyFunc), reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Tenant catalog and executions (any authenticated user).
	mux.Handle("GET /v1/catalog", apiRL(http.HandlerFunc(h.HandleCatalog)))
	mux.Handle("POST /v1/executions", apiRL(http.HandlerFunc(h.HandleStartExecution)))
	mux.Handle("GET /v1/executions", apiRL(http.HandlerFunc(h.HandleListExecutions)))
	mux.Handle("GET /v1/executions/{id}", apiRL(http.HandlerFunc(h.HandleGetExecution)))
	mux.Handle("POST /v1/executions/{id}/pause", apiRL(http.HandlerFunc(h.HandlePauseExecution)))
	mux.Handle("POST /v1/executions/{id}/continue", apiRL(http.HandlerFunc(h.HandleContinueExecution)))
	mux.Handle("POST /v1/executions/{id}/cancel", apiRL(http.HandlerFunc(h.HandleCancelExecution)))
	mux.Handle("GET /v1/executions/{id}/events", apiRL(http.HandlerFunc(h.HandleAuditTrail)))

	// Subscription endpoint (no rate limit — long-lived connection).
	mux.Handle("GET /v1/executions/subscribe", http.HandlerFunc(h.HandleSubscribe))

	// Catalog administration (admin-only).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", adminOnly(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("PATCH /v1/agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/versions", adminOnly(http.HandlerFunc(h.HandleCreateVersion)))
	mux.Handle("GET /v1/agents/{agent_id}/versions", adminOnly(http.HandlerFunc(h.HandleListVersions)))
	mux.Handle("GET /v1/agents/{agent_id}/resolve", adminOnly(http.HandlerFunc(h.HandleResolveVersion)))
	mux.Handle("POST /v1/versions/{version_id}/publish", adminOnly(http.HandlerFunc(h.HandlePublishVersion)))
	mux.Handle("POST /v1/versions/{version_id}/default", adminOnly(http.HandlerFunc(h.HandleSetDefaultVersion)))
	mux.Handle("POST /v1/visibility-rules", adminOnly(http.HandlerFunc(h.HandleCreateRule)))
	mux.Handle("GET /v1/visibility-rules", adminOnly(http.HandlerFunc(h.HandleListRules)))
	mux.Handle("DELETE /v1/visibility-rules/{id}", adminOnly(http.HandlerFunc(h.HandleDeleteRule)))

	// Executor webhook (HMAC-authenticated, rate limited by IP).
	mux.Handle("POST /webhooks/executor", webhookRL(http.HandlerFunc(h.HandleExecutorWebhook)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// orgKeyFunc extracts the org ID from the request context for rate limiting.
// Returns empty string for admins (exempt from rate limits).
func orgKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.OrgID.String()
}

// prefixKeyFunc namespaces a key func so different route groups consume
// separate buckets.
func prefixKeyFunc(prefix string, fn ratelimit.KeyFunc) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		key := fn(r)
		if key == "" {
			return ""
		}
		return prefix + ":" + key
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

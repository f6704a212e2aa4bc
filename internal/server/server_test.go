package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/executor"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/orchestrator"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/server"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/testutil"
	"github.com/ashita-ai/shiki/internal/webhook"
)

const webhookSecret = "test-webhook-secret"

var (
	testDB  *storage.DB
	jwtMgr  *auth.JWTManager
	handler http.Handler
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	logger := testutil.TestLogger()
	ctx := context.Background()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(ctx)

	jwtMgr, err = auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		os.Exit(1)
	}

	cat := catalog.New(testDB, 0, logger)
	orch := orchestrator.NewService(testDB, cat, executor.NoopClient{Logger: logger}, logger)
	gateway := webhook.NewGateway(webhookSecret, orch, logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              jwtMgr,
		Catalog:             cat,
		Orchestrator:        orch,
		Gateway:             gateway,
		Limiter:             ratelimit.NoopLimiter{},
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		Logger:              logger,
	})
	handler = srv.Handler()

	os.Exit(m.Run())
}

// --- helpers ---

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func doRequest(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	}
	return rec, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type testOrg struct {
	org         model.Organization
	adminToken  string
	memberToken string
}

// newTestOrg creates an org with one admin and one member, returning
// issued tokens for both.
func newTestOrg(t *testing.T, plan model.Plan, region string) testOrg {
	t.Helper()
	ctx := context.Background()

	org, err := testDB.CreateOrganization(ctx, model.Organization{
		ID:     uuid.New(),
		Name:   "Org " + uuid.NewString()[:8],
		Slug:   "org-" + uuid.NewString()[:8],
		Plan:   plan,
		Region: region,
	})
	require.NoError(t, err)

	makeUser := func(role model.UserRole) string {
		hash, err := auth.HashAPIKey("key-" + uuid.NewString())
		require.NoError(t, err)
		user, err := testDB.CreateUser(ctx, model.User{
			ID:         uuid.New(),
			OrgID:      org.ID,
			UserID:     string(role) + "-" + uuid.NewString()[:8],
			Role:       role,
			APIKeyHash: hash,
		})
		require.NoError(t, err)
		token, _, err := jwtMgr.IssueToken(user)
		require.NoError(t, err)
		return token
	}

	return testOrg{
		org:         org,
		adminToken:  makeUser(model.RoleAdmin),
		memberToken: makeUser(model.RoleMember),
	}
}

// createPublishedAgent provisions an agent with one published default
// version through the admin API.
func createPublishedAgent(t *testing.T, adminToken string, capabilities ...string) (model.AgentDefinition, model.AgentVersion) {
	t.Helper()

	rec, env := doRequest(t, http.MethodPost, "/v1/agents", adminToken, model.CreateAgentRequest{
		Category: "support",
		Name:     "Agent " + uuid.NewString()[:8],
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := decodeData[model.AgentDefinition](t, env)

	rec, env = doRequest(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/versions", adminToken, model.CreateVersionRequest{
		Version:       "1.0.0",
		DefinitionRef: "def-" + uuid.NewString()[:8],
		Executor:      "flowkit",
		ExecutorRef:   "wf-" + uuid.NewString()[:8],
		Capabilities:  capabilities,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	version := decodeData[model.AgentVersion](t, env)

	rec, _ = doRequest(t, http.MethodPost, "/v1/versions/"+version.ID.String()+"/publish", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = doRequest(t, http.MethodPost, "/v1/versions/"+version.ID.String()+"/default", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	version = decodeData[model.AgentVersion](t, env)

	// A global enable rule so the agent shows up in effective catalogs.
	rec, _ = doRequest(t, http.MethodPost, "/v1/visibility-rules", adminToken, model.CreateRuleRequest{
		AgentID: agent.ID,
		Enabled: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	return agent, version
}

// postWebhook delivers a signed executor notification.
func postWebhook(t *testing.T, n webhook.Notification) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	body, err := json.Marshal(n)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/executor", bytes.NewReader(body))
	req.Header.Set(executor.SignatureHeader, executor.Sign(webhookSecret, body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	rec, env := doRequest(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData[map[string]any](t, env)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "connected", data["postgres"])
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestAuthTokenFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestOrg(t, model.PlanPro, "us-east")

	apiKey := "key-" + uuid.NewString()
	hash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)
	user, err := testDB.CreateUser(ctx, model.User{
		ID:         uuid.New(),
		OrgID:      env.org.ID,
		UserID:     "token-user-" + uuid.NewString()[:8],
		Role:       model.RoleMember,
		APIKeyHash: hash,
	})
	require.NoError(t, err)

	t.Run("valid credentials issue a usable token", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			UserID: user.UserID,
			APIKey: apiKey,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeData[model.AuthTokenResponse](t, body)
		require.NotEmpty(t, resp.Token)
		assert.True(t, resp.ExpiresAt.After(time.Now()))

		rec, _ = doRequest(t, http.MethodGet, "/v1/catalog", resp.Token, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			UserID: user.UserID,
			APIKey: "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, model.ErrCodeUnauthorized, body.Error.Code)
	})

	t.Run("unknown user rejected", func(t *testing.T) {
		rec, _ := doRequest(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			UserID: "no-such-user",
			APIKey: apiKey,
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unauthenticated API access rejected", func(t *testing.T) {
		rec, _ := doRequest(t, http.MethodGet, "/v1/catalog", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAdminRoutesForbiddenForMembers(t *testing.T) {
	env := newTestOrg(t, model.PlanFree, "eu-west")

	rec, body := doRequest(t, http.MethodPost, "/v1/agents", env.memberToken, model.CreateAgentRequest{
		Category: "support",
		Name:     "Forbidden",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeForbidden, body.Error.Code)

	rec, _ = doRequest(t, http.MethodGet, "/v1/visibility-rules", env.memberToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCatalogVisibilityAcrossOrgs(t *testing.T) {
	proOrg := newTestOrg(t, model.PlanPro, "us-east")
	freeOrg := newTestOrg(t, model.PlanFree, "us-east")

	agent, _ := createPublishedAgent(t, proOrg.adminToken)

	// Plan-scoped disable for free orgs overrides the global enable.
	freePlan := model.PlanFree
	rec, _ := doRequest(t, http.MethodPost, "/v1/visibility-rules", proOrg.adminToken, model.CreateRuleRequest{
		AgentID: agent.ID,
		Plan:    &freePlan,
		Enabled: false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	inCatalog := func(token string) bool {
		rec, env := doRequest(t, http.MethodGet, "/v1/catalog", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeData[struct {
			Agents []model.CatalogEntry `json:"agents"`
		}](t, env)
		for _, e := range data.Agents {
			if e.Agent.ID == agent.ID {
				return true
			}
		}
		return false
	}

	assert.True(t, inCatalog(proOrg.memberToken), "pro org should see the agent")
	assert.False(t, inCatalog(freeOrg.memberToken), "free org should not see the agent")
}

func TestAgentUpdateAndDeactivation(t *testing.T) {
	org := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, org.adminToken)

	t.Run("get returns the agent", func(t *testing.T) {
		rec, env := doRequest(t, http.MethodGet, "/v1/agents/"+agent.ID.String(), org.adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[model.AgentDefinition](t, env)
		assert.Equal(t, agent.ID, got.ID)
		assert.True(t, got.Active)
	})

	t.Run("get unknown agent is 404", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodGet, "/v1/agents/"+uuid.NewString(), org.adminToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
	})

	t.Run("patch unknown agent is 404", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPatch, "/v1/agents/"+uuid.NewString(), org.adminToken, map[string]any{
			"name": "ghost",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
	})

	t.Run("patch renames", func(t *testing.T) {
		rec, env := doRequest(t, http.MethodPatch, "/v1/agents/"+agent.ID.String(), org.adminToken, map[string]any{
			"name":        "Renamed Agent",
			"description": "handles refunds",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decodeData[model.AgentDefinition](t, env)
		assert.Equal(t, "Renamed Agent", got.Name)
		assert.Equal(t, "handles refunds", got.Description)
	})

	t.Run("empty name refused", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPatch, "/v1/agents/"+agent.ID.String(), org.adminToken, map[string]any{
			"name": "",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
	})

	t.Run("deactivation hides the agent from the catalog", func(t *testing.T) {
		rec, _ := doRequest(t, http.MethodPatch, "/v1/agents/"+agent.ID.String(), org.adminToken, map[string]any{
			"active": false,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec, env := doRequest(t, http.MethodGet, "/v1/catalog", org.memberToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeData[struct {
			Agents []model.CatalogEntry `json:"agents"`
		}](t, env)
		for _, e := range data.Agents {
			assert.NotEqual(t, agent.ID, e.Agent.ID, "deactivated agent must not be listed")
		}
	})
}

func TestVersionAdminInvariants(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, published := createPublishedAgent(t, env.adminToken)

	t.Run("non-semver version refused", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/versions", env.adminToken, model.CreateVersionRequest{
			Version:       "not-semver",
			DefinitionRef: "def-x",
			Executor:      "flowkit",
			ExecutorRef:   "wf-x",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
	})

	t.Run("duplicate version string conflicts", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/versions", env.adminToken, model.CreateVersionRequest{
			Version:       published.Version,
			DefinitionRef: "def-x",
			Executor:      "flowkit",
			ExecutorRef:   "wf-x",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, model.ErrCodeConflict, body.Error.Code)
	})

	t.Run("draft cannot become default", func(t *testing.T) {
		rec, env2 := doRequest(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/versions", env.adminToken, model.CreateVersionRequest{
			Version:       "2.0.0",
			DefinitionRef: "def-y",
			Executor:      "flowkit",
			ExecutorRef:   "wf-y",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		draft := decodeData[model.AgentVersion](t, env2)

		rec, body := doRequest(t, http.MethodPost, "/v1/versions/"+draft.ID.String()+"/default", env.adminToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, model.ErrCodeConflict, body.Error.Code)
	})

	t.Run("preview resolve includes drafts, plain resolve does not", func(t *testing.T) {
		base := "/v1/agents/" + agent.ID.String() + "/resolve?selector=2.0.0"

		rec, body := doRequest(t, http.MethodGet, base, env.adminToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, model.ErrCodeNoMatchingVersion, body.Error.Code)

		rec, env2 := doRequest(t, http.MethodGet, base+"&preview=true", env.adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resolved := decodeData[model.AgentVersion](t, env2)
		assert.Equal(t, "2.0.0", resolved.Version)
	})
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, version := createPublishedAgent(t, env.adminToken)

	rec, body := doRequest(t, http.MethodPost, "/v1/executions", env.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
		Input:   map[string]any{"ticket": "T-100"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	exec := decodeData[model.Execution](t, body)
	assert.Equal(t, model.StatePending, exec.State)
	assert.Equal(t, version.ID, exec.VersionID)
	require.NotEmpty(t, exec.CorrelationKey)

	// Executor acks the dispatch, then completes.
	rec, body = postWebhook(t, webhook.Notification{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        1,
		Status:         "ack",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decodeData[map[string]string](t, body)["outcome"])

	rec, body = postWebhook(t, webhook.Notification{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        2,
		Status:         "completed",
		Output:         map[string]any{"resolution": "refunded"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "applied", decodeData[map[string]string](t, body)["outcome"])

	// Replay of the completion delivery dedups.
	rec, body = postWebhook(t, webhook.Notification{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        2,
		Status:         "completed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeData[map[string]string](t, body)["outcome"])

	rec, body = doRequest(t, http.MethodGet, "/v1/executions/"+exec.ID.String(), env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	final := decodeData[model.Execution](t, body)
	assert.Equal(t, model.StateCompleted, final.State)
	assert.Equal(t, "refunded", final.Output["resolution"])

	rec, body = doRequest(t, http.MethodGet, "/v1/executions/"+exec.ID.String()+"/events", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decodeData[struct {
		Events []model.AuditEvent `json:"events"`
	}](t, body)
	require.Len(t, trail.Events, 3) // created, ack, completed
	for i, e := range trail.Events {
		assert.Equal(t, int64(i+1), e.SequenceNum)
	}
}

func TestExecutionCommandErrors(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, env.adminToken) // no pausable capability

	rec, body := doRequest(t, http.MethodPost, "/v1/executions", env.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	exec := decodeData[model.Execution](t, body)

	t.Run("pause without capability", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/pause", env.memberToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, model.ErrCodeNotPausable, body.Error.Code)
	})

	t.Run("continue from pending is invalid", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/continue", env.memberToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, model.ErrCodeInvalidTransition, body.Error.Code)
	})

	t.Run("cancel from pending is invalid", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/cancel", env.memberToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, model.ErrCodeInvalidTransition, body.Error.Code)
	})

	t.Run("cancel after terminal state is stale", func(t *testing.T) {
		rec, _ := postWebhook(t, webhook.Notification{
			CorrelationKey: exec.CorrelationKey,
			Ordinal:        1,
			Status:         "ack",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec, _ = doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/cancel", env.memberToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec, body := doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/cancel", env.memberToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, model.ErrCodeStaleExecution, body.Error.Code)
	})

	t.Run("unknown execution", func(t *testing.T) {
		rec, body := doRequest(t, http.MethodPost, "/v1/executions/"+uuid.NewString()+"/cancel", env.memberToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
	})
}

func TestStartExecutionHiddenAgent(t *testing.T) {
	proOrg := newTestOrg(t, model.PlanPro, "us-east")
	freeOrg := newTestOrg(t, model.PlanFree, "us-east")

	agent, _ := createPublishedAgent(t, proOrg.adminToken)

	freePlan := model.PlanFree
	rec, _ := doRequest(t, http.MethodPost, "/v1/visibility-rules", proOrg.adminToken, model.CreateRuleRequest{
		AgentID: agent.ID,
		Plan:    &freePlan,
		Enabled: false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// A hidden agent is indistinguishable from an unknown one.
	rec, body := doRequest(t, http.MethodPost, "/v1/executions", freeOrg.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
}

func TestExecutionTenantIsolation(t *testing.T) {
	orgA := newTestOrg(t, model.PlanPro, "us-east")
	orgB := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, orgA.adminToken)

	rec, body := doRequest(t, http.MethodPost, "/v1/executions", orgA.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	exec := decodeData[model.Execution](t, body)

	rec, _ = doRequest(t, http.MethodGet, "/v1/executions/"+exec.ID.String(), orgB.memberToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doRequest(t, http.MethodGet, "/v1/executions/"+exec.ID.String()+"/events", orgB.memberToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutionsPagination(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, env.adminToken)

	for i := 0; i < 3; i++ {
		rec, _ := doRequest(t, http.MethodPost, "/v1/executions", env.memberToken, model.StartExecutionRequest{
			AgentID: agent.ID,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/executions?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+env.memberToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data    []model.Execution `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 2)
	assert.Equal(t, 3, list.Total)
	assert.True(t, list.HasMore)
}

func TestWebhookRefusals(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, env.adminToken)

	rec, body := doRequest(t, http.MethodPost, "/v1/executions", env.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	exec := decodeData[model.Execution](t, body)

	t.Run("bad signature", func(t *testing.T) {
		raw, err := json.Marshal(webhook.Notification{
			CorrelationKey: exec.CorrelationKey,
			Ordinal:        1,
			Status:         "ack",
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/executor", bytes.NewReader(raw))
		req.Header.Set(executor.SignatureHeader, "deadbeef")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown correlation key", func(t *testing.T) {
		rec, body := postWebhook(t, webhook.Notification{
			CorrelationKey: uuid.NewString(),
			Ordinal:        1,
			Status:         "ack",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec, body := postWebhook(t, webhook.Notification{
			CorrelationKey: exec.CorrelationKey,
			Ordinal:        1,
			Status:         "exploded",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
	})
}

func TestLateCompletionAfterCancelIsRejectedOutcome(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, env.adminToken)

	rec, body := doRequest(t, http.MethodPost, "/v1/executions", env.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	exec := decodeData[model.Execution](t, body)

	rec, _ = postWebhook(t, webhook.Notification{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        1,
		Status:         "ack",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/cancel", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The executor's completion arrives after the cancel won: acknowledged
	// so the executor stops retrying, but recorded as rejected.
	rec, body = postWebhook(t, webhook.Notification{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        2,
		Status:         "completed",
		Output:         map[string]any{"resolution": "late"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", decodeData[map[string]string](t, body)["outcome"])

	rec, body = doRequest(t, http.MethodGet, "/v1/executions/"+exec.ID.String(), env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	final := decodeData[model.Execution](t, body)
	assert.Equal(t, model.StateCancelled, final.State)
	assert.Nil(t, final.Output)
}

func TestPausableLifecycle(t *testing.T) {
	env := newTestOrg(t, model.PlanPro, "us-east")
	agent, _ := createPublishedAgent(t, env.adminToken, model.CapabilityPausable)

	rec, body := doRequest(t, http.MethodPost, "/v1/executions", env.memberToken, model.StartExecutionRequest{
		AgentID: agent.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	exec := decodeData[model.Execution](t, body)

	rec, _ = postWebhook(t, webhook.Notification{
		CorrelationKey: exec.CorrelationKey,
		Ordinal:        1,
		Status:         "ack",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/pause", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatePaused, decodeData[model.Execution](t, body).State)

	rec, body = doRequest(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/continue", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StateRunning, decodeData[model.Execution](t, body).State)
}

// Package executor is the boundary to the external workflow executor.
//
// The orchestrator never waits on the executor for correctness: dispatch and
// control instructions are forwarded here, and the executor reports back
// asynchronously through the webhook ingestion path. Requests are signed
// with the shared secret; the executor signs its callbacks the same way.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DispatchRequest asks the executor to start one workflow instance.
type DispatchRequest struct {
	CorrelationKey   string         `json:"correlation_key"`
	Executor         string         `json:"executor"`
	ExecutorRef      string         `json:"executor_ref"`
	ExecutorSelector *string        `json:"executor_selector,omitempty"`
	DefinitionRef    string         `json:"definition_ref"`
	Input            map[string]any `json:"input"`
}

// Client forwards instructions to the external executor.
// Implementations must be safe for concurrent use.
type Client interface {
	// Dispatch requests the start of a workflow. The executor confirms
	// asynchronously with an ack callback; a nil return only means the
	// request was delivered.
	Dispatch(ctx context.Context, req DispatchRequest) error

	// Resume instructs the executor to continue a paused workflow.
	Resume(ctx context.Context, correlationKey string) error

	// Cancel signals best-effort cancellation. Callers commit local state
	// before invoking this and must not depend on it succeeding.
	Cancel(ctx context.Context, correlationKey string) error
}

// HTTPClient talks to the executor over signed HTTP POSTs.
type HTTPClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPClient creates a client for the executor at baseURL.
func NewHTTPClient(baseURL, secret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

// Dispatch implements Client.
func (c *HTTPClient) Dispatch(ctx context.Context, req DispatchRequest) error {
	return c.post(ctx, "/v1/workflows/dispatch", req)
}

// Resume implements Client.
func (c *HTTPClient) Resume(ctx context.Context, correlationKey string) error {
	return c.post(ctx, "/v1/workflows/"+url.PathEscape(correlationKey)+"/resume", struct{}{})
}

// Cancel implements Client.
func (c *HTTPClient) Cancel(ctx context.Context, correlationKey string) error {
	return c.post(ctx, "/v1/workflows/"+url.PathEscape(correlationKey)+"/cancel", struct{}{})
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("executor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(c.secret, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor: %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("executor: %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// NoopClient accepts every instruction without talking to anything.
// Used in development when no executor is configured; executions then sit
// in pending until the dispatch-timeout reaper fails them.
type NoopClient struct {
	Logger *slog.Logger
}

// Dispatch implements Client.
func (c NoopClient) Dispatch(_ context.Context, req DispatchRequest) error {
	c.Logger.Info("executor: noop dispatch", "correlation_key", req.CorrelationKey)
	return nil
}

// Resume implements Client.
func (c NoopClient) Resume(_ context.Context, correlationKey string) error {
	c.Logger.Info("executor: noop resume", "correlation_key", correlationKey)
	return nil
}

// Cancel implements Client.
func (c NoopClient) Cancel(_ context.Context, correlationKey string) error {
	c.Logger.Info("executor: noop cancel", "correlation_key", correlationKey)
	return nil
}

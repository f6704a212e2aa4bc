// Package webhook ingests asynchronous executor notifications.
//
// The gateway is the trust boundary between the external executor and the
// orchestrator: it verifies the request signature, validates the payload
// shape, and maps the executor's status vocabulary onto lifecycle events.
// Anything that fails validation is refused here; nothing malformed reaches
// the state machine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/shiki/internal/executor"
	"github.com/ashita-ai/shiki/internal/orchestrator"
)

// ErrMalformed is returned for a payload that fails validation. The wrapped
// message names the offending field; it is safe to echo back to the caller.
var ErrMalformed = errors.New("webhook: malformed notification")

// Notification is the executor callback wire format.
type Notification struct {
	CorrelationKey string         `json:"correlation_key"`
	Ordinal        int64          `json:"ordinal"`
	Status         string         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// statusEvents is the executor status vocabulary. Unknown statuses are
// refused rather than guessed at.
var statusEvents = map[string]orchestrator.Event{
	"ack":       orchestrator.EventDispatchAck,
	"progress":  orchestrator.EventStepProgress,
	"completed": orchestrator.EventCompletion,
	"failed":    orchestrator.EventFailure,
}

// Handler consumes validated callbacks. Implemented by the orchestrator.
type Handler interface {
	HandleCallback(ctx context.Context, cb orchestrator.Callback) (orchestrator.CallbackOutcome, error)
}

// Gateway validates and forwards executor notifications.
type Gateway struct {
	secret string
	orch   Handler
	logger *slog.Logger
}

// NewGateway creates a gateway verifying signatures against secret.
func NewGateway(secret string, orch Handler, logger *slog.Logger) *Gateway {
	return &Gateway{secret: secret, orch: orch, logger: logger}
}

// Ingest processes one raw webhook delivery. The signature covers the exact
// body bytes, so verification happens before any parsing. Returns the
// orchestrator's outcome classification; executor.ErrBadSignature,
// ErrMalformed and orchestrator.ErrNotFound identify refusals.
func (g *Gateway) Ingest(ctx context.Context, body []byte, signature string) (orchestrator.CallbackOutcome, error) {
	if err := executor.VerifySignature(g.secret, body, signature); err != nil {
		return "", err
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	event, err := n.validate()
	if err != nil {
		return "", err
	}

	cb := orchestrator.Callback{
		CorrelationKey: n.CorrelationKey,
		Ordinal:        n.Ordinal,
		Event:          event,
		Payload:        n.Detail,
		Output:         n.Output,
	}
	if n.Status == "failed" {
		reason := n.Reason
		if reason == "" {
			reason = "executor-failure"
		}
		cb.FailureReason = &reason
	}

	outcome, err := g.orch.HandleCallback(ctx, cb)
	if err != nil {
		return "", err
	}
	g.logger.Info("webhook: notification processed",
		"correlation_key", n.CorrelationKey,
		"ordinal", n.Ordinal,
		"status", n.Status,
		"outcome", outcome)
	return outcome, nil
}

func (n Notification) validate() (orchestrator.Event, error) {
	if n.CorrelationKey == "" {
		return "", fmt.Errorf("%w: correlation_key is required", ErrMalformed)
	}
	if n.Ordinal < 1 {
		return "", fmt.Errorf("%w: ordinal must be >= 1", ErrMalformed)
	}
	event, ok := statusEvents[n.Status]
	if !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformed, n.Status)
	}
	return event, nil
}

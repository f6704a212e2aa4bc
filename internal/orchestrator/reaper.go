package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashita-ai/shiki/internal/model"
)

// reaperBatchSize caps how many stuck executions one sweep fails.
const reaperBatchSize = 100

// Reaper fails executions stuck in pending: if the executor never sends a
// dispatch-ack within the configured window, the execution moves to failed
// with reason dispatch-timeout (a system-actor transition). Prevents
// executions from sitting in pending forever after a lost dispatch.
type Reaper struct {
	store    Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper. window is the maximum age of a pending
// execution; interval is the sweep cadence.
func NewReaper(store Store, window, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{store: store, window: window, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. Always returns nil on shutdown so it
// composes with an errgroup.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.window)
	stuck, err := r.store.ListPendingBefore(ctx, cutoff, reaperBatchSize)
	if err != nil {
		r.logger.Error("reaper: list pending executions", "error", err)
		return
	}

	rule, _ := RuleFor(EventDispatchTimeout)
	reason := model.FailureDispatchTimeout
	for _, exec := range stuck {
		_, err := r.store.ApplyTransition(ctx, TransitionRequest{
			ExecutionID:   exec.ID,
			OrgID:         exec.OrgID,
			Rule:          rule,
			Actor:         model.ActorSystem,
			Payload:       map[string]any{"reason": reason},
			FailureReason: &reason,
		})
		switch {
		case err == nil:
			r.logger.Info("reaper: execution failed on dispatch timeout",
				"execution_id", exec.ID, "created_at", exec.CreatedAt)
		case errors.Is(err, ErrStaleState):
			// An ack raced in between the scan and the CAS. Nothing to do.
		default:
			r.logger.Error("reaper: transition failed", "execution_id", exec.ID, "error", err)
		}
	}
}

package executor

import (
	"context"

	"go.uber.org/zap"
)

// SweepOutbox re-reads the durable outbox of every run still in flight
// and applies whatever events the live session missed. Sessions that
// crashed between the sprite writing COMPLETED and the control plane
// seeing it settle here. Idempotent: already-applied events are no-ops.
func (e *Executor) SweepOutbox(ctx context.Context) (int, error) {
	swept := 0
	for _, status := range []Status{StatusRunning, StatusWaiting, StatusBlocked} {
		runs, err := e.runs.List(ctx, RunFilter{Status: status})
		if err != nil {
			return swept, err
		}
		for _, run := range runs {
			merged := e.reconcileOutbox(ctx, run, nil)
			for _, evt := range merged {
				e.applyEvent(ctx, run.ID, evt)
			}
			swept++
			e.logger.Debug("outbox swept",
				zap.String("run", run.ID),
				zap.String("sprite", run.SpriteID),
				zap.Int("events", len(merged)))
		}
	}
	return swept, nil
}

package worker

import (
	"context"
	"time"

	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/store"
)

// Reaper periodically hard-deletes terminal jobs (and, through the store,
// their events) once their age exceeds the retention window.
type Reaper struct {
	Store     store.JobStore
	Logger    telemetry.Logger
	Retention time.Duration
	Interval  time.Duration
}

// Run sweeps on every interval tick until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	logger := r.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Store.ReapTerminal(ctx, r.Retention)
			if err != nil {
				logger.Warn(ctx, "reaper: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "reaper: removed terminal jobs", "count", n)
			}
		}
	}
}

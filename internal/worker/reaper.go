package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"renderqueue/internal/store"
	"renderqueue/internal/telemetry"
)

// Reaper periodically returns jobs with expired leases to the queue. It is
// the sole crash-recovery path: a worker that dies without renewing its
// heartbeat leaves its job eligible after the threshold elapses. Running
// several reapers concurrently is harmless, the underlying transition only
// matches rows still in running.
type Reaper struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
	log       *zap.Logger
}

// NewReaper builds a reaper sweeping every interval with the given
// staleness threshold.
func NewReaper(st store.Store, interval, threshold time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: st, interval: interval, threshold: threshold, log: logger}
}

// Run sweeps on a fixed period until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("stale_threshold", r.threshold))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Warn("reap sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep and returns the number of jobs reclaimed.
// Also the administrative trigger behind the API.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	n, err := r.store.RequeueStale(ctx, time.Now(), r.threshold)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		r.log.Info("reclaimed stale jobs", zap.Int("count", n))
	}
	if depth, err := r.store.QueueDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	return n, nil
}

package trust

import (
	"context"
	"log/slog"
	"time"

	"github.com/jeremylongshore/moat/internal/platform/metrics"
)

// Runner ticks the scorer and advisor on the configured cadence.
type Runner struct {
	scorer   *Scorer
	advisor  *Advisor
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewRunner(scorer *Scorer, advisor *Advisor, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{scorer: scorer, advisor: advisor, interval: interval, logger: logger, metrics: m}
}

// Run loops until ctx is cancelled. A failed batch is logged and retried on
// the next tick; scoring is idempotent so partial progress is safe.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := r.scorer.RunOnce(ctx); err != nil {
				r.logger.Error("scorer batch failed", "error", err)
				continue
			}
			if err := r.advisor.Apply(ctx); err != nil {
				r.logger.Error("advisor batch failed", "error", err)
			}
			r.metrics.ScorerBatchSeconds.Observe(time.Since(start).Seconds())
		}
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftgate/gateway/internal/ratelimit"
)

const (
	limiterJanitorInterval = 10 * time.Minute
	limiterStaleAfter      = 30 * time.Minute
)

// LimiterJanitor periodically evicts per-provider rate-limit state that has
// been unused long enough to be safely forgotten, bounding the registry's
// memory to providers actually receiving traffic.
type LimiterJanitor struct {
	registry *ratelimit.Registry
	interval time.Duration
	staleFor time.Duration
}

// NewLimiterJanitor creates a LimiterJanitor over registry.
func NewLimiterJanitor(registry *ratelimit.Registry) *LimiterJanitor {
	return &LimiterJanitor{registry: registry, interval: limiterJanitorInterval, staleFor: limiterStaleAfter}
}

// Name returns the worker identifier.
func (w *LimiterJanitor) Name() string { return "limiter_janitor" }

// Run evicts stale limiters until ctx is cancelled.
func (w *LimiterJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := w.registry.EvictStale(time.Now().Add(-w.staleFor))
			if n > 0 {
				slog.Info("evicted stale rate limiters", "count", n)
			}
		}
	}
}

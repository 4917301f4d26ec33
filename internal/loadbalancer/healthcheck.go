package loadbalancer

import (
	"context"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
)

// healthCheckInterval is how often the capacity-adjustment sweep runs.
const healthCheckInterval = 60 * time.Second

// HealthCheckLoop periodically halves capacity (floor 1) for providers in
// error state and restores healthy providers to their configured
// max_concurrent_requests. It implements the worker.Worker interface.
type HealthCheckLoop struct {
	balancer *Balancer
	catalog  *catalog.Catalog
}

// NewHealthCheckLoop returns a HealthCheckLoop wiring bal to cat.
func NewHealthCheckLoop(bal *Balancer, cat *catalog.Catalog) *HealthCheckLoop {
	return &HealthCheckLoop{balancer: bal, catalog: cat}
}

// Name implements worker.Worker.
func (h *HealthCheckLoop) Name() string { return "loadbalancer-healthcheck" }

// Run implements worker.Worker.
func (h *HealthCheckLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *HealthCheckLoop) sweep() {
	snap := h.catalog.Current()
	for _, p := range snap.GetFiltered(catalog.Filter{}) {
		switch p.Health.Status {
		case gateway.HealthError:
			h.balancer.SetCapacity(p.Name, max(1, h.balancer.Capacity(p.Name)/2))
		case gateway.HealthHealthy:
			h.balancer.SetCapacity(p.Name, p.Limits.Concurrent)
		}
	}
}

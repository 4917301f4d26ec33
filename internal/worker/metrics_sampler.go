package worker

import (
	"context"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
	"github.com/driftgate/gateway/internal/circuitbreaker"
	"github.com/driftgate/gateway/internal/loadbalancer"
	"github.com/driftgate/gateway/internal/telemetry"
)

const metricsSamplerInterval = 15 * time.Second

// MetricsSampler periodically snapshots per-provider health, load, queue
// depth, and circuit breaker state into Prometheus gauges. The dataplane
// components it reads (catalog, balancer, breakers) are themselves
// request-path hot structures; sampling on an interval keeps gauge updates
// off that path entirely.
type MetricsSampler struct {
	catalog  *catalog.Catalog
	balancer *loadbalancer.Balancer
	breakers *circuitbreaker.Registry
	metrics  *telemetry.Metrics
	interval time.Duration
}

// NewMetricsSampler creates a MetricsSampler over the given components.
func NewMetricsSampler(cat *catalog.Catalog, bal *loadbalancer.Balancer, breakers *circuitbreaker.Registry, m *telemetry.Metrics) *MetricsSampler {
	return &MetricsSampler{catalog: cat, balancer: bal, breakers: breakers, metrics: m, interval: metricsSamplerInterval}
}

// Name returns the worker identifier.
func (w *MetricsSampler) Name() string { return "metrics_sampler" }

// Run samples gauges on each tick until ctx is cancelled.
func (w *MetricsSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sample()
		}
	}
}

func (w *MetricsSampler) sample() {
	providers := w.catalog.Current().GetFiltered(catalog.Filter{})
	for _, p := range providers {
		w.metrics.ProviderHealth.WithLabelValues(p.Name).Set(healthValue(p.Health.Status))
		w.metrics.ProviderLoad.WithLabelValues(p.Name).Set(w.balancer.Utilization(p.Name))
		w.metrics.ProviderQueueDepth.WithLabelValues(p.Name).Set(float64(w.balancer.Current(p.Name)))
		if b := w.breakers.Get(p.Name); b != nil {
			w.metrics.CircuitBreakerState.WithLabelValues(p.Name).Set(breakerValue(b.State()))
		}
	}
}

func healthValue(s gateway.HealthStatus) float64 {
	switch s {
	case gateway.HealthHealthy:
		return 2
	case gateway.HealthDegraded:
		return 1
	default:
		return 0
	}
}

func breakerValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Package fallback derives and executes the ordered recovery strategy list
// for a failed upstream attempt: try an equivalent model, a similar
// provider, a downgraded model, a paid tier, or a queued retry.
package fallback

import (
	"context"
	"sort"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
	"github.com/driftgate/gateway/internal/decision"
	"github.com/driftgate/gateway/internal/loadbalancer"
)

// Kind identifies why the primary attempt failed.
type Kind string

const (
	KindProviderUnhealthy Kind = "provider_unhealthy"
	KindModelUnavailable  Kind = "model_unavailable"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindOther             Kind = "other"
)

// strategy is one recovery tactic.
type strategy string

const (
	strategyEquivalentModel strategy = "equivalent_model"
	strategySimilarProvider strategy = "similar_provider"
	strategyDowngradeModel  strategy = "downgrade_model"
	strategyPaidFallback    strategy = "paid_fallback"
	strategyQueueRequest    strategy = "queue_request"
)

// maxFallbackAttempts bounds how many strategies are tried per failure.
const maxFallbackAttempts = 3

// fallbackTimeout bounds each individual strategy attempt.
const fallbackTimeout = 30 * time.Second

// Result is the outcome of Handle: a provider/model pair to retry. It
// names a candidate without reserving a load-balancer slot on it -- the
// caller retries through the same Admit/Release pair an initial attempt
// uses, so a fallback pick never leaks a concurrency slot.
type Result struct {
	Success  bool
	Provider string
	Model    string
	Attempts int
}

// Handler derives and executes fallback strategies against the catalog,
// decision engine, and load balancer.
type Handler struct {
	catalog  *catalog.Catalog
	decision *decision.Engine
	balancer *loadbalancer.Balancer
}

// New returns a Handler wired to the given components.
func New(cat *catalog.Catalog, dec *decision.Engine, bal *loadbalancer.Balancer) *Handler {
	return &Handler{catalog: cat, decision: dec, balancer: bal}
}

// strategiesFor derives the ordered strategy list for a failure kind,
// truncated to maxFallbackAttempts.
func strategiesFor(kind Kind, premium bool) []strategy {
	var list []strategy
	switch kind {
	case KindProviderUnhealthy:
		list = []strategy{strategyEquivalentModel, strategySimilarProvider}
		if premium {
			list = append(list, strategyPaidFallback)
		}
	case KindModelUnavailable:
		list = []strategy{strategyEquivalentModel, strategySimilarProvider, strategyDowngradeModel}
	case KindRateLimitExceeded:
		list = []strategy{strategyQueueRequest, strategyEquivalentModel}
	case KindCapacityExceeded:
		list = []strategy{strategyQueueRequest, strategySimilarProvider}
	default:
		list = []strategy{strategyEquivalentModel, strategySimilarProvider, strategyQueueRequest}
	}
	if len(list) > maxFallbackAttempts {
		list = list[:maxFallbackAttempts]
	}
	return list
}

// Handle derives the strategy list for kind and runs each in order until
// one succeeds or the list is exhausted.
func (h *Handler) Handle(ctx context.Context, kind Kind, failedProvider string, req decision.Request) Result {
	strategies := strategiesFor(kind, isPremium(req.User))

	attempts := 0
	for _, s := range strategies {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, fallbackTimeout)
		res, ok := h.run(attemptCtx, s, failedProvider, req)
		cancel()
		if ok {
			res.Attempts = attempts
			return res
		}
	}
	return Result{Success: false, Attempts: attempts}
}

func (h *Handler) run(ctx context.Context, s strategy, failedProvider string, req decision.Request) (Result, bool) {
	switch s {
	case strategyEquivalentModel:
		return h.equivalentModel(req)
	case strategySimilarProvider:
		return h.similarProvider(failedProvider, req)
	case strategyDowngradeModel:
		return h.downgradeModel(req)
	case strategyPaidFallback:
		return h.paidFallback(req)
	case strategyQueueRequest:
		return h.queueRequest(req)
	default:
		return Result{}, false
	}
}

// equivalentModel tries each capability-equivalent model's providers until
// the load balancer names one under the load threshold.
func (h *Handler) equivalentModel(req decision.Request) (Result, bool) {
	equivalents := h.decision.FindEquivalents(req.Endpoint, req.Model, req.User)
	snap := h.catalog.Current()
	for _, eq := range equivalents {
		entry := snap.Entry(req.Endpoint, eq.Model)
		if entry == nil {
			continue
		}
		for _, p := range entry.Providers {
			if name, ok := h.balancer.Select([]loadbalancer.Candidate{candidateFor(p)}); ok {
				return Result{Success: true, Provider: name, Model: eq.Model}, true
			}
		}
	}
	return Result{}, false
}

// similarProvider considers any provider other than failedProvider whose
// catalog entry has capability-match > 0.5 against req.
func (h *Handler) similarProvider(failedProvider string, req decision.Request) (Result, bool) {
	snap := h.catalog.Current()
	for _, entry := range snap.AllModels() {
		if entry.EndpointPath != req.Endpoint {
			continue
		}
		if decision.CapabilityScore(req.RequiredCapabilities, entry.Capabilities) <= 0.5 {
			continue
		}
		for _, p := range entry.Providers {
			if p.Name == failedProvider || p.Health.Status == gateway.HealthError {
				continue
			}
			if name, ok := h.balancer.Select([]loadbalancer.Candidate{candidateFor(p)}); ok {
				return Result{Success: true, Provider: name, Model: entry.LogicalID}, true
			}
		}
	}
	return Result{}, false
}

// downgradeModel tries every plan-allowed model with capability-match > 0.3,
// best match first.
func (h *Handler) downgradeModel(req decision.Request) (Result, bool) {
	snap := h.catalog.Current()
	type ranked struct {
		entry *gateway.ModelEntry
		score float64
	}
	var candidates []ranked
	for _, entry := range snap.AllModels() {
		if entry.EndpointPath != req.Endpoint {
			continue
		}
		s := decision.CapabilityScore(req.RequiredCapabilities, entry.Capabilities)
		if s > 0.3 {
			candidates = append(candidates, ranked{entry, s})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, c := range candidates {
		for _, p := range c.entry.Providers {
			if !decision.PlanAllows(req.User, p) || p.Health.Status == gateway.HealthError {
				continue
			}
			if name, ok := h.balancer.Select([]loadbalancer.Candidate{candidateFor(p)}); ok {
				return Result{Success: true, Provider: name, Model: c.entry.LogicalID}, true
			}
		}
	}
	return Result{}, false
}

// paidFallback is premium-user only: tries premium-marked models with
// capability-match > 0.7.
func (h *Handler) paidFallback(req decision.Request) (Result, bool) {
	if !isPremium(req.User) {
		return Result{}, false
	}
	snap := h.catalog.Current()
	for _, entry := range snap.AllModels() {
		if entry.EndpointPath != req.Endpoint {
			continue
		}
		if decision.CapabilityScore(req.RequiredCapabilities, entry.Capabilities) <= 0.7 {
			continue
		}
		for _, p := range entry.Providers {
			if !p.Metadata.PremiumModel || p.Health.Status == gateway.HealthError {
				continue
			}
			if name, ok := h.balancer.Select([]loadbalancer.Candidate{candidateFor(p)}); ok {
				return Result{Success: true, Provider: name, Model: entry.LogicalID}, true
			}
		}
	}
	return Result{}, false
}

// queueRequest names a provider for the originally requested model even
// when every candidate is over the load threshold, deferring to the
// caller's own Admit to decide whether the retry is actually queued --
// this strategy's whole purpose is to accept a queued slot rather than
// insist on an immediately-free one.
func (h *Handler) queueRequest(req decision.Request) (Result, bool) {
	snap := h.catalog.Current()
	entry := snap.Entry(req.Endpoint, req.Model)
	if entry == nil || len(entry.Providers) == 0 {
		return Result{}, false
	}
	candidates := make([]loadbalancer.Candidate, 0, len(entry.Providers))
	for _, p := range entry.Providers {
		candidates = append(candidates, candidateFor(p))
	}
	name, ok := h.balancer.Select(candidates)
	if !ok {
		return Result{}, false
	}
	return Result{Success: true, Provider: name, Model: req.Model}, true
}

func candidateFor(p *gateway.Provider) loadbalancer.Candidate {
	return loadbalancer.Candidate{
		Name:     p.Name,
		Capacity: p.Limits.Concurrent,
		Healthy:  p.Health.Status == gateway.HealthHealthy || p.Health.Status == gateway.HealthDegraded,
	}
}

func isPremium(u *gateway.User) bool {
	return u != nil && u.Plan != "" && u.Plan != "0"
}

// Package loadbalancer admits requests onto providers, tracking active
// concurrency per provider and queuing overflow in FIFO order.
package loadbalancer

import (
	"container/list"
	"math/rand/v2"
	"sync"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// Strategy selects which healthy, under-threshold provider serves a request.
type Strategy string

const (
	StrategyLeastLoad  Strategy = "least_load"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyRandom     Strategy = "random"
)

// loadThreshold is the utilization ceiling above which a provider is
// skipped by every strategy, even if otherwise healthy.
const loadThreshold = 0.8

// queueTimeout is how long a queued item may wait before it is dropped.
const queueTimeout = 30 * time.Second

// Admission is the outcome of Admit.
type Admission struct {
	Provider      string
	Queued        bool
	EstimatedWait time.Duration
}

type queueItem struct {
	provider string
	enqueued time.Time
	done     chan struct{}
}

// providerState is the per-provider mutable load state.
type providerState struct {
	mu       sync.Mutex
	current  int
	capacity int
	queue    *list.List // of *queueItem, FIFO
}

// Balancer tracks per-provider load and serves admission decisions.
type Balancer struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	strategy  Strategy
	rrCursor  int
}

// New returns a Balancer using strategy (StrategyLeastLoad if empty).
func New(strategy Strategy) *Balancer {
	if strategy == "" {
		strategy = StrategyLeastLoad
	}
	return &Balancer{providers: make(map[string]*providerState), strategy: strategy}
}

func (b *Balancer) stateFor(name string, capacity int) *providerState {
	b.mu.RLock()
	s, ok := b.providers[name]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.providers[name]; ok {
		return s
	}
	s = &providerState{capacity: capacity, queue: list.New()}
	b.providers[name] = s
	return s
}

// Utilization implements decision.LoadView.
func (b *Balancer) Utilization(name string) float64 {
	b.mu.RLock()
	s, ok := b.providers[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return gateway.ProviderLoad{Current: s.current, Capacity: s.capacity}.Utilization()
}

// Candidate is a provider eligible for admission consideration.
type Candidate struct {
	Name     string
	Capacity int
	Healthy  bool // status ∈ {healthy, degraded}
}

// Select names the provider Admit would choose for candidates, without
// reserving a slot on it. Callers that only need to name the next
// provider to retry -- the fallback handler picking a candidate for the
// caller's own subsequent Admit/Release pair -- must use this instead of
// Admit, or the slot Admit reserves here would never be released.
func (b *Balancer) Select(candidates []Candidate) (string, bool) {
	eligible := healthyOf(candidates)
	if len(eligible) == 0 {
		return "", false
	}
	if chosen, ok := b.pickUnderThreshold(eligible); ok {
		return chosen.Name, true
	}
	// Every eligible provider is at/above threshold: name the
	// shortest-queued one so the caller's own Admit can decide whether to
	// queue it for real.
	best := eligible[0]
	bestLen := b.queueLen(best.Name, best.Capacity)
	for _, c := range eligible[1:] {
		if l := b.queueLen(c.Name, c.Capacity); l < bestLen {
			best, bestLen = c, l
		}
	}
	return best.Name, true
}

func healthyOf(candidates []Candidate) []Candidate {
	var eligible []Candidate
	for _, c := range candidates {
		if c.Healthy {
			eligible = append(eligible, c)
		}
	}
	return eligible
}

// Admit selects a provider from candidates and reserves a slot on it. If
// every healthy candidate is at or above the load threshold, the request
// is queued against the one with the shortest queue instead.
func (b *Balancer) Admit(candidates []Candidate) Admission {
	eligible := healthyOf(candidates)
	if len(eligible) == 0 {
		return Admission{Queued: true}
	}

	if chosen, ok := b.pickUnderThreshold(eligible); ok {
		s := b.stateFor(chosen.Name, chosen.Capacity)
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return Admission{Provider: chosen.Name}
	}

	// Every eligible provider is at/above threshold: queue against the
	// one with the shortest queue.
	best := eligible[0]
	bestLen := b.queueLen(best.Name, best.Capacity)
	for _, c := range eligible[1:] {
		if l := b.queueLen(c.Name, c.Capacity); l < bestLen {
			best, bestLen = c, l
		}
	}
	s := b.stateFor(best.Name, best.Capacity)
	const avgProcTime = 2 * time.Second
	wait := time.Duration(bestLen) * avgProcTime

	s.mu.Lock()
	s.queue.PushBack(&queueItem{provider: best.Name, enqueued: time.Now(), done: make(chan struct{})})
	s.mu.Unlock()

	return Admission{Provider: best.Name, Queued: true, EstimatedWait: wait}
}

func (b *Balancer) queueLen(name string, capacity int) int {
	s := b.stateFor(name, capacity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// pickUnderThreshold applies the configured strategy, restricted to
// candidates below loadThreshold.
func (b *Balancer) pickUnderThreshold(candidates []Candidate) (Candidate, bool) {
	type scored struct {
		c    Candidate
		util float64
	}
	var under []scored
	for _, c := range candidates {
		u := b.Utilization(c.Name)
		if u < loadThreshold {
			under = append(under, scored{c, u})
		}
	}
	if len(under) == 0 {
		return Candidate{}, false
	}

	switch b.strategy {
	case StrategyRoundRobin:
		b.mu.Lock()
		idx := b.rrCursor % len(under)
		b.rrCursor++
		b.mu.Unlock()
		return under[idx].c, true

	case StrategyRandom:
		return under[rand.IntN(len(under))].c, true

	case StrategyWeighted:
		total := 0.0
		weights := make([]float64, len(under))
		for i, s := range under {
			w := max(0.1, 1-s.util)
			weights[i] = w
			total += w
		}
		r := rand.Float64() * total
		acc := 0.0
		for i, w := range weights {
			acc += w
			if r <= acc {
				return under[i].c, true
			}
		}
		return under[len(under)-1].c, true

	default: // StrategyLeastLoad
		best := under[0]
		for _, s := range under[1:] {
			if s.util < best.util {
				best = s
			}
		}
		return best.c, true
	}
}

// Release decrements a provider's active count and attempts to drain its
// queue in FIFO order, dropping entries older than queueTimeout.
func (b *Balancer) Release(name string) {
	s := b.stateFor(name, 0)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current > 0 {
		s.current--
	}

	now := time.Now()
	for s.queue.Len() > 0 && s.current < s.capacity {
		front := s.queue.Front()
		item := front.Value.(*queueItem)
		s.queue.Remove(front)
		if now.Sub(item.enqueued) > queueTimeout {
			close(item.done)
			continue
		}
		s.current++
		close(item.done)
		break
	}
}

// SetCapacity updates a provider's concurrency ceiling (used by the
// health-check loop to halve/restore capacity).
func (b *Balancer) SetCapacity(name string, capacity int) {
	s := b.stateFor(name, capacity)
	s.mu.Lock()
	s.capacity = capacity
	s.mu.Unlock()
}

// Capacity returns a provider's current concurrency ceiling.
func (b *Balancer) Capacity(name string) int {
	s := b.stateFor(name, 0)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Current returns a provider's active request count.
func (b *Balancer) Current(name string) int {
	s := b.stateFor(name, 0)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

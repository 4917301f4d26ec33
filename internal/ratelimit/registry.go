package ratelimit

import (
	"sync"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// Registry manages per-provider Limiters, created lazily and evicted after
// a period of disuse.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for a provider, creating one with limits
// on first use. Later calls ignore limits -- the catalog reload path, not
// the registry, is responsible for propagating a provider's limit changes.
func (r *Registry) GetOrCreate(provider string, limits gateway.ProviderLimits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[provider]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l = newLimiter(limits)
	r.limiters[provider] = l
	return l
}

// EvictStale removes limiters unused since cutoff. Returns the count removed.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}

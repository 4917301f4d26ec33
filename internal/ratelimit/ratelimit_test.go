package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/driftgate/gateway/internal"
)

func TestCanAdmitRequestLimit(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 2, Concurrent: 10})

	require.True(t, l.CanAdmit(0).Allowed)
	require.True(t, l.CanAdmit(0).Allowed)

	d := l.CanAdmit(0)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonRequestLimit, d.Reason)
}

func TestCanAdmitTokenLimit(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 100, TPM: 1000, Concurrent: 10})

	require.True(t, l.CanAdmit(900).Allowed)
	d := l.CanAdmit(200)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonTokenLimit, d.Reason)
}

func TestCanAdmitConcurrentLimit(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 100, Concurrent: 1})

	require.True(t, l.CanAdmit(0).Allowed) // holds the one concurrent slot
	d := l.CanAdmit(0)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonConcurrentLimit, d.Reason)

	l.Record(true, false) // release the slot
	require.True(t, l.CanAdmit(0).Allowed)
}

func TestMinuteBucketRollsOverAfterWindow(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 1, Concurrent: 10})

	require.True(t, l.CanAdmit(0).Allowed)
	require.False(t, l.CanAdmit(0).Allowed)

	l.mu.Lock()
	l.minuteBucketStart = time.Now().Add(-61 * time.Second)
	l.mu.Unlock()

	require.True(t, l.CanAdmit(0).Allowed)
}

func TestBackoffActiveBlocksAdmission(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 100, Concurrent: 10})

	l.CanAdmit(0)
	l.Record(false, true) // a retryable 429 starts backoff

	d := l.CanAdmit(0)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonBackoffActive, d.Reason)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 100, Concurrent: 10})

	l.CanAdmit(0)
	l.Record(false, true)

	l.mu.Lock()
	l.backoffUntil = time.Time{} // simulate the delay having elapsed
	l.mu.Unlock()

	l.CanAdmit(0)
	l.Record(true, false)

	l.mu.Lock()
	active := l.backoffUntil.After(time.Now())
	l.mu.Unlock()
	require.False(t, active)
}

func TestUnlimitedProviderNeverDenies(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{})
	for range 1000 {
		require.True(t, l.CanAdmit(1_000_000).Allowed)
	}
}

func TestAdjustTokensClampsAtZero(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 100, TPM: 100, Concurrent: 10})
	l.CanAdmit(10)
	l.AdjustTokens(-1000)

	l.mu.Lock()
	used := l.tokensThisMinute
	l.mu.Unlock()
	require.Equal(t, int64(0), used)
}

func TestCanAdmitConcurrentAccess(t *testing.T) {
	t.Parallel()
	l := newLimiter(gateway.ProviderLimits{RPM: 1_000_000, TPM: 1_000_000_000, Concurrent: 1_000_000})

	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := l.CanAdmit(10)
			l.Record(d.Allowed, false)
		}()
	}
	wg.Wait()
}

func TestRegistryGetOrCreateReusesLimiter(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	l1 := r.GetOrCreate("alpha", gateway.ProviderLimits{RPM: 10})
	l2 := r.GetOrCreate("alpha", gateway.ProviderLimits{RPM: 999})
	require.Same(t, l1, l2) // limits argument ignored after first creation
}

func TestRegistryEvictStale(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.GetOrCreate("fresh", gateway.ProviderLimits{RPM: 10})
	r.GetOrCreate("stale", gateway.ProviderLimits{RPM: 10})

	r.mu.Lock()
	r.limiters["stale"].mu.Lock()
	r.limiters["stale"].lastUsed = time.Now().Add(-2 * time.Hour)
	r.limiters["stale"].mu.Unlock()
	r.mu.Unlock()

	evicted := r.EvictStale(time.Now().Add(-1 * time.Hour))
	require.Equal(t, 1, evicted)

	r.mu.RLock()
	_, hasFresh := r.limiters["fresh"]
	_, hasStale := r.limiters["stale"]
	r.mu.RUnlock()
	require.True(t, hasFresh)
	require.False(t, hasStale)
}

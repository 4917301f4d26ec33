package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmitPicksLeastLoaded(t *testing.T) {
	b := New(StrategyLeastLoad)
	b.SetCapacity("a", 10)
	b.SetCapacity("b", 10)

	// Load up "a" to 50% utilization.
	for range 5 {
		b.Admit([]Candidate{{Name: "a", Capacity: 10, Healthy: true}})
	}

	d := b.Admit([]Candidate{
		{Name: "a", Capacity: 10, Healthy: true},
		{Name: "b", Capacity: 10, Healthy: true},
	})
	require.False(t, d.Queued)
	require.Equal(t, "b", d.Provider)
}

func TestAdmitSkipsUnhealthy(t *testing.T) {
	b := New(StrategyLeastLoad)
	b.SetCapacity("a", 10)

	d := b.Admit([]Candidate{{Name: "a", Capacity: 10, Healthy: false}})
	require.True(t, d.Queued)
}

func TestAdmitQueuesWhenAllOverThreshold(t *testing.T) {
	b := New(StrategyLeastLoad)
	b.SetCapacity("a", 10)
	for range 9 { // 8 admitted (80%, at the 0.8 threshold); the 9th is queued
		b.Admit([]Candidate{{Name: "a", Capacity: 10, Healthy: true}})
	}

	d := b.Admit([]Candidate{{Name: "a", Capacity: 10, Healthy: true}})
	require.True(t, d.Queued)
	require.Equal(t, "a", d.Provider)
}

func TestCurrentNeverExceedsCapacity(t *testing.T) {
	b := New(StrategyLeastLoad)
	b.SetCapacity("a", 2)

	b.Admit([]Candidate{{Name: "a", Capacity: 2, Healthy: true}})
	b.Admit([]Candidate{{Name: "a", Capacity: 2, Healthy: true}})
	require.Equal(t, 2, b.Current("a"))
	require.LessOrEqual(t, b.Current("a"), b.Capacity("a"))

	b.Release("a")
	require.Equal(t, 1, b.Current("a"))
}

func TestReleaseDrainsQueueFIFO(t *testing.T) {
	b := New(StrategyLeastLoad)
	b.SetCapacity("a", 1)

	b.Admit([]Candidate{{Name: "a", Capacity: 1, Healthy: true}}) // fills capacity

	// Force both subsequent admissions to queue by driving utilization to 100%.
	d1 := b.Admit([]Candidate{{Name: "a", Capacity: 1, Healthy: true}})
	require.True(t, d1.Queued)
	d2 := b.Admit([]Candidate{{Name: "a", Capacity: 1, Healthy: true}})
	require.True(t, d2.Queued)

	b.Release("a") // frees the original slot, should drain the first queued item
	require.Equal(t, 1, b.Current("a"))
}

func TestRoundRobinDistributes(t *testing.T) {
	b := New(StrategyRoundRobin)
	b.SetCapacity("a", 10)
	b.SetCapacity("b", 10)

	seen := map[string]int{}
	for range 4 {
		d := b.Admit([]Candidate{
			{Name: "a", Capacity: 10, Healthy: true},
			{Name: "b", Capacity: 10, Healthy: true},
		})
		seen[d.Provider]++
		b.Release(d.Provider)
	}
	require.Equal(t, 2, seen["a"])
	require.Equal(t, 2, seen["b"])
}

func TestUtilizationOfUnknownProviderIsZero(t *testing.T) {
	b := New(StrategyLeastLoad)
	require.Equal(t, 0.0, b.Utilization("ghost"))
}

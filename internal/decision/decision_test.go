package decision

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
)

const twoProviderJSON = `{
  "endpoints": {
    "/v1/chat/completions": {
      "models": {
        "gpt-4": [
          {"name": "alpha", "base_url": "https://alpha.example.com", "api_key": "k1", "priority": 2, "model": "gpt-4", "capabilities": ["chat"]},
          {"name": "beta", "base_url": "https://beta.example.com", "api_key": "k2", "priority": 1, "model": "gpt-4", "capabilities": ["chat"]}
        ]
      }
    }
  }
}`

func loadTestCatalog(t *testing.T, data string) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	cat := catalog.New()
	_, err := cat.Load(path)
	require.NoError(t, err)
	return cat
}

type zeroLoad struct{}

func (zeroLoad) Utilization(string) float64 { return 0 }

func TestCapabilityScore(t *testing.T) {
	require.Equal(t, 1.0, CapabilityScore(nil, []string{"vision"}))
	require.Equal(t, 1.0, CapabilityScore([]string{"vision"}, []string{"vision", "tools"}))
	require.Equal(t, 0.5, CapabilityScore([]string{"vision", "tools"}, []string{"vision"}))
	require.Equal(t, 0.0, CapabilityScore([]string{"vision"}, []string{"tools"}))
}

func TestPlanAllowsFreeGate(t *testing.T) {
	free := &gateway.Provider{Metadata: gateway.ProviderMetadata{IsFree: true}}
	premium := &gateway.Provider{Metadata: gateway.ProviderMetadata{PremiumModel: true, CostPerToken: 0.01}}

	require.True(t, PlanAllows(nil, free))
	require.False(t, PlanAllows(nil, premium))
	require.True(t, PlanAllows(&gateway.User{Plan: "0"}, free))
	require.False(t, PlanAllows(&gateway.User{Plan: "0"}, premium))
	require.True(t, PlanAllows(&gateway.User{Plan: "500k"}, premium))
}

func TestPlanScoreMatchesTier(t *testing.T) {
	free := &gateway.Provider{Metadata: gateway.ProviderMetadata{IsFree: true}}
	premium := &gateway.Provider{Metadata: gateway.ProviderMetadata{PremiumModel: true, CostPerToken: 0.5}}

	require.Equal(t, 1.0, planScore(nil, free))
	require.Equal(t, 0.5, planScore(nil, premium))
	require.Equal(t, 1.0, planScore(&gateway.User{Plan: "500k"}, premium))
	require.Equal(t, 0.5, planScore(&gateway.User{Plan: "500k"}, free))
}

func TestJaccard(t *testing.T) {
	require.Equal(t, 1.0, jaccard(nil, nil))
	require.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"a", "b"}))
	require.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
	require.InDelta(t, 0.5, jaccard([]string{"a", "b"}, []string{"a"}), 0.001)
}

func TestDecideNoCandidatesOnEmptyCatalog(t *testing.T) {
	cat := catalog.New()
	e := New(cat, zeroLoad{}, DefaultWeights)
	d := e.Decide(context.Background(), Request{Endpoint: "/v1/chat/completions", Model: "gpt-4"})
	require.Equal(t, gateway.DecisionNoCandidates, d.Kind)
}

const premiumOnlyProviderJSON = `{
  "endpoints": {
    "/v1/chat/completions": {
      "models": {
        "gpt-4": [
          {"name": "premium-only", "base_url": "https://p.example.com", "api_key": "k1", "priority": 1, "model": "gpt-4", "capabilities": ["chat"], "metadata": {"premium_model": true, "cost_per_token": 0.01}}
        ]
      }
    }
  }
}`

func TestDecideNoCandidatesIsPlanGatedForFreeUserOnPremiumModel(t *testing.T) {
	cat := loadTestCatalog(t, premiumOnlyProviderJSON)
	e := New(cat, zeroLoad{}, DefaultWeights)

	d := e.Decide(context.Background(), Request{
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4",
		User:     &gateway.User{Plan: "0"},
	})
	require.Equal(t, gateway.DecisionNoCandidates, d.Kind)
	require.True(t, d.PlanGated)
}

func TestDecideTieBreaksByPriority(t *testing.T) {
	cat := loadTestCatalog(t, twoProviderJSON)
	e := New(cat, zeroLoad{}, DefaultWeights)

	d := e.Decide(context.Background(), Request{Endpoint: "/v1/chat/completions", Model: "gpt-4"})
	require.Equal(t, gateway.DecisionRoute, d.Kind)
	// Both providers score identically (equal health/load/plan/capability);
	// priority 1 (beta) must win over priority 2 (alpha).
	require.Equal(t, "beta", d.ProviderName)
	require.Len(t, d.Alternatives, 1)
	require.Equal(t, "alpha", d.Alternatives[0].ProviderID)
}

func TestDecideCacheHitOnSecondCall(t *testing.T) {
	cat := loadTestCatalog(t, twoProviderJSON)
	e := New(cat, zeroLoad{}, DefaultWeights)
	req := Request{Endpoint: "/v1/chat/completions", Model: "gpt-4"}

	first := e.Decide(context.Background(), req)
	require.Equal(t, gateway.DecisionRoute, first.Kind)

	second := e.Decide(context.Background(), req)
	require.Equal(t, gateway.DecisionCacheHit, second.Kind)
	require.Equal(t, first.ProviderName, second.ProviderName)
}

func TestReasoningBands(t *testing.T) {
	require.Contains(t, reasoningFor(0.9), "high-confidence")
	require.Contains(t, reasoningFor(0.6), "moderate-confidence")
	require.Contains(t, reasoningFor(0.2), "low-confidence")
}

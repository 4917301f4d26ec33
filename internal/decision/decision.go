// Package decision implements the routing decision engine: given a request
// and the caller's plan, it scores every eligible (model, provider)
// candidate and picks a winner, caching the outcome for repeat requests.
package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
)

// decisionCacheTTL is the freshness window for a cached routing decision
// (spec: 24h). Long enough that identical requests within a session skip
// rescoring; short enough that a catalog reload or health flap is reflected
// within a day.
const decisionCacheTTL = 24 * time.Hour

// LoadView exposes per-provider utilization to the decision engine without
// depending on the load balancer package directly.
type LoadView interface {
	Utilization(provider string) float64
}

// Weights configures the scoring function; the five components must sum to
// 1 (DefaultWeights does).
type Weights struct {
	Capability float64
	Health     float64
	Load       float64
	Plan       float64
	Cache      float64
}

// DefaultWeights matches the default scoring formula.
var DefaultWeights = Weights{Capability: 0.40, Health: 0.25, Load: 0.20, Plan: 0.10, Cache: 0.05}

// Request describes what the caller needs routed.
type Request struct {
	Endpoint             string
	Model                string
	RequiredCapabilities []string
	User                 *gateway.User
}

// Engine scores candidates and caches routing decisions.
type Engine struct {
	catalog *catalog.Catalog
	load    LoadView
	weights Weights
	cache   *otter.Cache[string, *gateway.RoutingDecision]
}

// New returns an Engine. A nil LoadView is treated as "no load signal"
// (every provider scores load=1.0).
func New(cat *catalog.Catalog, load LoadView, weights Weights) *Engine {
	cache := otter.Must(&otter.Options[string, *gateway.RoutingDecision]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.RoutingDecision](decisionCacheTTL),
	})
	return &Engine{catalog: cat, load: load, weights: weights, cache: cache}
}

// Decide scores candidates for req and returns the winning routing
// decision, caching it for decisionCacheTTL.
func (e *Engine) Decide(ctx context.Context, req Request) *gateway.RoutingDecision {
	key := cacheKey(req)
	if cached, ok := e.cache.GetIfPresent(key); ok {
		return &gateway.RoutingDecision{
			Kind:         gateway.DecisionCacheHit,
			Model:        cached.Model,
			Provider:     cached.Provider,
			ProviderName: cached.ProviderName,
			Confidence:   cached.Confidence,
			Reasoning:    cached.Reasoning,
			Alternatives: cached.Alternatives,
		}
	}

	candidates, planGated := e.scoreCandidates(req)
	if len(candidates) == 0 {
		return &gateway.RoutingDecision{Kind: gateway.DecisionNoCandidates, PlanGated: planGated}
	}

	top := candidates[0]
	alternatives := candidates[1:]
	if len(alternatives) > 3 {
		alternatives = alternatives[:3]
	}

	decision := &gateway.RoutingDecision{
		Kind:         gateway.DecisionRoute,
		Model:        top.Model,
		Provider:     top.Provider,
		ProviderName: top.ProviderID,
		Confidence:   top.Score,
		Reasoning:    reasoningFor(top.Score),
		Alternatives: alternatives,
	}
	e.cache.Set(key, decision)
	return decision
}

// reasoningFor derives a short human-readable explanation from the score band.
func reasoningFor(score float64) string {
	switch {
	case score >= 0.8:
		return "high-confidence match on capability, health, and load"
	case score >= 0.5:
		return "moderate-confidence match; some scoring dimensions degraded"
	default:
		return "low-confidence match; selected as best of a weak candidate set"
	}
}

// scoreCandidates enumerates every (model, provider) pair serving
// req.Endpoint, drops ineligible candidates, scores the rest, and returns
// them sorted best-first. The second return value reports whether at least
// one provider that matched capability and health was dropped solely by
// the free-plan gate -- the caller uses this to tell "no serving provider
// exists" apart from "a provider exists but this plan can't reach it".
func (e *Engine) scoreCandidates(req Request) ([]gateway.Candidate, bool) {
	snap := e.catalog.Current()
	var out []gateway.Candidate
	planGated := false

	for _, entry := range snap.AllModels() {
		if entry.EndpointPath != req.Endpoint {
			continue
		}
		capScore := CapabilityScore(req.RequiredCapabilities, entry.Capabilities)
		if capScore < 0.7 {
			continue
		}
		for _, p := range entry.Providers {
			if p.Health.Status == gateway.HealthError {
				continue
			}
			if !PlanAllows(req.User, p) {
				planGated = true
				continue
			}
			out = append(out, gateway.Candidate{
				Model:      entry.LogicalID,
				Provider:   p,
				ProviderID: p.Name,
				Score:      e.score(capScore, p, req.User),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Provider.Priority != b.Provider.Priority {
			return a.Provider.Priority < b.Provider.Priority
		}
		if a.Provider.Metadata.CostPerToken != b.Provider.Metadata.CostPerToken {
			return a.Provider.Metadata.CostPerToken < b.Provider.Metadata.CostPerToken
		}
		return a.ProviderID < b.ProviderID
	})
	return out, planGated
}

// score computes the weighted total for one candidate. The cache component
// is a fixed 0.5: scoring only ever runs on the cache-miss path (a hit
// short-circuits in Decide before scoring begins), so there is no "was this
// cached" signal left to discriminate candidates by.
func (e *Engine) score(capScore float64, p *gateway.Provider, u *gateway.User) float64 {
	health := healthScore(p.Health.Status)
	load := 1.0
	if e.load != nil {
		load = 1.0 - e.load.Utilization(p.Name)
	}
	plan := planScore(u, p)
	const cacheComponent = 0.5

	w := e.weights
	return w.Capability*capScore + w.Health*health + w.Load*load + w.Plan*plan + w.Cache*cacheComponent
}

func healthScore(status gateway.HealthStatus) float64 {
	switch status {
	case gateway.HealthHealthy:
		return 1.0
	case gateway.HealthDegraded:
		return 0.7
	case gateway.HealthError:
		return 0.0
	default:
		return 0.5
	}
}

func isPremiumUser(u *gateway.User) bool {
	return u != nil && u.Plan != "" && u.Plan != "0" && u.Plan != "unlimited-free"
}

func isFreeModel(p *gateway.Provider) bool {
	return p.Metadata.IsFree || !p.Metadata.PremiumModel || p.Metadata.Tier == "seed" || p.Metadata.CostPerToken <= 0.001
}

// PlanAllows applies the free-plan gate: a free-plan user may only reach
// models the catalog marks free by one of the qualifying signals.
func PlanAllows(u *gateway.User, p *gateway.Provider) bool {
	if u == nil || u.Plan == "" || u.Plan == "0" {
		return isFreeModel(p)
	}
	return true
}

// planScore is 1.0 when a premium user reaches a non-free model or a free
// user reaches a free model (the "matched tier" case), else 0.5.
func planScore(u *gateway.User, p *gateway.Provider) float64 {
	premiumUser := isPremiumUser(u)
	freeModel := isFreeModel(p)
	if (premiumUser && !freeModel) || (!premiumUser && freeModel) {
		return 1.0
	}
	return 0.5
}

// CapabilityScore is the Jaccard-style containment of required within have:
// |required ∩ have| / |required|. An empty requirement set always scores 1.0.
func CapabilityScore(required, have []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	haveSet := make(map[string]bool, len(have))
	for _, c := range have {
		haveSet[strings.ToLower(c)] = true
	}
	matched := 0
	for _, c := range required {
		if haveSet[strings.ToLower(c)] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func cacheKey(req Request) string {
	caps := append([]string(nil), req.RequiredCapabilities...)
	sort.Strings(caps)
	bucket := "anon"
	if req.User != nil {
		bucket = req.User.Plan
	}
	raw := req.Endpoint + "|" + req.Model + "|" + strings.Join(caps, ",") + "|" + bucket
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

package decision

import (
	"sort"

	gateway "github.com/driftgate/gateway/internal"
)

// Equivalent is a candidate substitute model, ranked by capability similarity.
type Equivalent struct {
	Model      string
	Similarity float64
}

// FindEquivalents returns every model at endpoint whose capability set has
// Jaccard similarity > 0.7 with target's, excluding target itself and any
// model the user's plan forbids. Sorted descending by similarity.
func (e *Engine) FindEquivalents(endpoint, target string, user *gateway.User) []Equivalent {
	snap := e.catalog.Current()

	var targetCaps []string
	for _, entry := range snap.AllModels() {
		if entry.EndpointPath == endpoint && entry.LogicalID == target {
			targetCaps = entry.Capabilities
			break
		}
	}

	var out []Equivalent
	for _, entry := range snap.AllModels() {
		if entry.EndpointPath != endpoint || entry.LogicalID == target {
			continue
		}
		if !anyProviderAllowed(entry, user) {
			continue
		}
		sim := jaccard(targetCaps, entry.Capabilities)
		if sim > 0.7 {
			out = append(out, Equivalent{Model: entry.LogicalID, Similarity: sim})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

func anyProviderAllowed(entry *gateway.ModelEntry, user *gateway.User) bool {
	for _, p := range entry.Providers {
		if PlanAllows(user, p) {
			return true
		}
	}
	return false
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	setA := make(map[string]bool, len(a))
	for _, c := range a {
		setA[c] = true
	}
	setB := make(map[string]bool, len(b))
	for _, c := range b {
		setB[c] = true
	}
	union := make(map[string]bool, len(setA)+len(setB))
	inter := 0
	for c := range setA {
		union[c] = true
		if setB[c] {
			inter++
		}
	}
	for c := range setB {
		union[c] = true
	}
	if len(union) == 0 {
		return 1.0
	}
	return float64(inter) / float64(len(union))
}

// Package catalog loads, normalizes, and serves the provider catalog: the
// set of upstream providers capable of serving each logical model at each
// OpenAI-compatible endpoint.
package catalog

import (
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// Snapshot is an immutable view of the catalog at a point in time. Readers
// never block: a reload swaps the atomic pointer, in-flight requests keep
// using the snapshot they captured.
type Snapshot struct {
	endpoints map[string]map[string]*gateway.ModelEntry // endpoint -> model id -> entry
	providers map[string]*gateway.Provider              // provider name -> provider
	order     []string                                  // provider names, sorted by name (stable sort key)
}

// Entry returns the model entry for (endpoint, model), or nil.
func (s *Snapshot) Entry(endpoint, model string) *gateway.ModelEntry {
	if s == nil {
		return nil
	}
	m, ok := s.endpoints[endpoint]
	if !ok {
		return nil
	}
	return m[model]
}

// Provider returns the provider by stable name, or nil.
func (s *Snapshot) Provider(name string) *gateway.Provider {
	if s == nil {
		return nil
	}
	return s.providers[name]
}

// AllModels returns every logical model entry across every endpoint.
func (s *Snapshot) AllModels() []*gateway.ModelEntry {
	var out []*gateway.ModelEntry
	for _, byModel := range s.endpoints {
		for _, e := range byModel {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *gateway.ModelEntry) int {
		if a.LogicalID == b.LogicalID {
			return 0
		}
		if a.LogicalID < b.LogicalID {
			return -1
		}
		return 1
	})
	return out
}

// Filter describes a predicate view over providers; nil/zero fields are ignored.
type Filter struct {
	Endpoint     string
	Model        string
	HealthStatus gateway.HealthStatus
	IsFree       *bool
}

// GetFiltered returns providers across the catalog matching f. Pure view,
// never mutates the snapshot.
func (s *Snapshot) GetFiltered(f Filter) []*gateway.Provider {
	var out []*gateway.Provider
	seen := make(map[string]bool)
	add := func(p *gateway.Provider) {
		if seen[p.Name] {
			return
		}
		if f.HealthStatus != "" && p.Health.Status != f.HealthStatus {
			return
		}
		if f.IsFree != nil && p.Metadata.IsFree != *f.IsFree {
			return
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	switch {
	case f.Endpoint != "" && f.Model != "":
		if e := s.Entry(f.Endpoint, f.Model); e != nil {
			for _, p := range e.Providers {
				add(p)
			}
		}
	default:
		for _, name := range s.order {
			add(s.providers[name])
		}
	}
	return out
}

// SortBy is a supported sort key for GetSorted.
type SortBy string

const (
	SortByPriority SortBy = "priority"
	SortByCost     SortBy = "cost"
	SortByName     SortBy = "name"
)

// GetSorted returns all providers sorted by by in the given order
// ("asc"/"desc"). Pure view, never mutates the snapshot.
func (s *Snapshot) GetSorted(by SortBy, order string) []*gateway.Provider {
	out := s.GetFiltered(Filter{})
	less := func(a, b *gateway.Provider) int {
		switch by {
		case SortByCost:
			return cmpFloat(a.Metadata.CostPerToken, b.Metadata.CostPerToken)
		case SortByName:
			return cmpString(a.Name, b.Name)
		default:
			return a.Priority - b.Priority
		}
	}
	slices.SortStableFunc(out, less)
	if order == "desc" {
		slices.Reverse(out)
	}
	return out
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// HealthSummary aggregates provider health across the catalog.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// GetHealthSummary aggregates provider health across the snapshot.
func (s *Snapshot) GetHealthSummary() HealthSummary {
	var sum HealthSummary
	for _, name := range s.order {
		p := s.providers[name]
		sum.Total++
		switch p.Health.Status {
		case gateway.HealthHealthy, gateway.HealthDegraded:
			sum.Healthy++
		case gateway.HealthError:
			sum.Unhealthy++
		default:
			sum.Unknown++
		}
	}
	return sum
}

// ValidationResult is the output of Validate.
type ValidationResult struct {
	IsValid        bool
	ValidProviders int
	Errors         []ProviderErrors
}

// ProviderErrors collects the validation errors for a single provider.
type ProviderErrors struct {
	Provider string
	Errors   []string
}

// Validate checks every provider for the invariants spec.md §4.1 requires:
// non-empty name/base_url, a parseable URL, a resolvable API key, and
// non-negative rate limits. It never mutates providers.
func Validate(providers []*gateway.Provider) ValidationResult {
	var res ValidationResult
	res.IsValid = true
	for _, p := range providers {
		var errs []string
		if p.Name == "" {
			errs = append(errs, "name is empty")
		}
		if p.BaseURL == "" {
			errs = append(errs, "base_url is empty")
		} else if _, err := url.Parse(p.BaseURL); err != nil {
			errs = append(errs, "base_url does not parse: "+err.Error())
		}
		if p.APIKeyRef == "" {
			errs = append(errs, "api_key and api_key_env_var both unresolved")
		}
		if p.Limits.RPM < 0 || p.Limits.TPM < 0 || p.Limits.Concurrent < 0 {
			errs = append(errs, "rate limit values must be >= 0")
		}
		if len(errs) > 0 {
			res.IsValid = false
			res.Errors = append(res.Errors, ProviderErrors{Provider: p.Name, Errors: errs})
			continue
		}
		res.ValidProviders++
	}
	return res
}

// Catalog owns the current snapshot and the mutex protecting reload/health
// writes. Reads are lock-free via the atomic snapshot pointer; readers never
// block behind a reload.
type Catalog struct {
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex // serializes reload and health-update writers
	source string     // path to the catalog source file, for reload
}

// New returns a Catalog with an empty snapshot. Call Load to populate it.
func New() *Catalog {
	c := &Catalog{}
	c.snap.Store(&Snapshot{endpoints: map[string]map[string]*gateway.ModelEntry{}, providers: map[string]*gateway.Provider{}})
	return c
}

// Current returns the latest snapshot. Safe for concurrent use; never blocks.
func (c *Catalog) Current() *Snapshot {
	return c.snap.Load()
}

// Load reads the catalog source (CSV or JSON, auto-detected by extension),
// normalizes it, validates it, and atomically swaps in the new snapshot.
// In-flight requests keep running against the snapshot they already loaded;
// only requests issued after Load returns observe the new one.
func (c *Catalog) Load(path string) (ValidationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{}, err
	}

	var providers []*gateway.Provider
	var entries []*gateway.ModelEntry
	if isJSON(path) {
		providers, entries, err = parseJSON(data)
	} else {
		providers, entries, err = parseCSV(data)
	}
	if err != nil {
		return ValidationResult{}, err
	}

	for _, p := range providers {
		normalize(p)
	}

	result := Validate(providers)

	next := buildSnapshot(providers, entries)
	c.source = path
	c.snap.Store(next)
	return result, nil
}

// Reload re-reads the last-loaded source path. No-op if Load was never called.
func (c *Catalog) Reload() (ValidationResult, error) {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()
	if src == "" {
		return ValidationResult{}, nil
	}
	return c.Load(src)
}

// UpdateHealth records a health observation for a provider. Errors increment
// consecutive_failures; a healthy observation resets the counter.
// Mutates the provider in place -- health is the one mutable field on an
// otherwise-immutable snapshot, protected by the Catalog mutex.
func (c *Catalog) UpdateHealth(name string, status gateway.HealthStatus, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.snap.Load().Provider(name)
	if p == nil {
		return
	}
	p.Health.Status = status
	p.Health.LastChecked = time.Now()
	if status == gateway.HealthError {
		p.Health.ConsecutiveFailures++
		p.Health.LastError = errMsg
	} else if status == gateway.HealthHealthy {
		p.Health.ConsecutiveFailures = 0
		p.Health.LastError = ""
	}
}

// GetHealth returns the health state of a named provider.
func (c *Catalog) GetHealth(name string) (gateway.ProviderHealth, bool) {
	p := c.Current().Provider(name)
	if p == nil {
		return gateway.ProviderHealth{}, false
	}
	return p.Health, true
}

func buildSnapshot(providers []*gateway.Provider, entries []*gateway.ModelEntry) *Snapshot {
	s := &Snapshot{
		endpoints: make(map[string]map[string]*gateway.ModelEntry),
		providers: make(map[string]*gateway.Provider),
	}
	for _, p := range providers {
		s.providers[p.Name] = p
		s.order = append(s.order, p.Name)
	}
	slices.Sort(s.order)
	for _, e := range entries {
		byModel, ok := s.endpoints[e.EndpointPath]
		if !ok {
			byModel = make(map[string]*gateway.ModelEntry)
			s.endpoints[e.EndpointPath] = byModel
		}
		byModel[e.LogicalID] = e
	}
	return s
}

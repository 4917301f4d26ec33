package catalog

import (
	"encoding/csv"
	"fmt"
	"math"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/driftgate/gateway/internal"
)

func isJSON(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".json")
}

// parseJSON decodes the providers file format from spec.md §6:
//
//	{"endpoints": {"<path>": {"models": {"<id>": [<provider>, ...]}}}}
//
// Provider objects are read with gjson rather than strict struct tags because
// source records mix snake_case and camelCase field names interchangeably;
// normalize() runs afterward to fold both onto one canonical Provider.
func parseJSON(data []byte) ([]*gateway.Provider, []*gateway.ModelEntry, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("providers file is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	endpoints := root.Get("endpoints")
	if !endpoints.Exists() {
		return nil, nil, fmt.Errorf("providers file missing \"endpoints\"")
	}

	byName := make(map[string]*gateway.Provider)
	var entries []*gateway.ModelEntry

	var outerErr error
	endpoints.ForEach(func(endpointKey, endpointVal gjson.Result) bool {
		endpointPath := endpointKey.String()
		models := endpointVal.Get("models")
		models.ForEach(func(modelKey, modelVal gjson.Result) bool {
			modelID := modelKey.String()
			entry := &gateway.ModelEntry{LogicalID: modelID, EndpointPath: endpointPath}
			modelVal.ForEach(func(_, provVal gjson.Result) bool {
				p, err := providerFromJSON(provVal)
				if err != nil {
					outerErr = err
					return false
				}
				for _, c := range p.Capabilities {
					if !slices.Contains(entry.Capabilities, c) {
						entry.Capabilities = append(entry.Capabilities, c)
					}
				}
				if existing, ok := byName[p.Name]; ok {
					p = existing
				} else {
					byName[p.Name] = p
				}
				entry.Providers = append(entry.Providers, p)
				return true
			})
			entries = append(entries, entry)
			return outerErr == nil
		})
		return outerErr == nil
	})
	if outerErr != nil {
		return nil, nil, outerErr
	}

	providers := make([]*gateway.Provider, 0, len(byName))
	for _, p := range byName {
		providers = append(providers, p)
	}
	return providers, entries, nil
}

// providerFromJSON builds a Provider from one catalog record, accepting both
// snake_case and camelCase keys for every field (source records are not
// internally consistent about naming).
func providerFromJSON(v gjson.Result) (*gateway.Provider, error) {
	get := func(keys ...string) gjson.Result {
		for _, k := range keys {
			if r := v.Get(k); r.Exists() {
				return r
			}
		}
		return gjson.Result{}
	}

	p := &gateway.Provider{
		Name:            get("name").String(),
		BaseURL:         get("base_url", "baseUrl", "baseURL").String(),
		UpstreamModelID: get("upstream_model_id", "upstreamModelId", "model").String(),
		Priority:        int(get("priority").Int()),
	}
	if p.Name == "" {
		return nil, fmt.Errorf("provider record missing name")
	}

	if tm := get("token_multiplier", "tokenMultiplier"); tm.Exists() {
		p.TokenMultiplier = tm.Float()
	} else {
		p.TokenMultiplier = 1.0
	}

	if rawKey := get("api_key", "apiKey").String(); rawKey != "" {
		p.APIKeyRef = rawKey
	} else if envVar := get("api_key_env_var", "apiKeyEnvVar").String(); envVar != "" {
		p.APIKeyRef = os.Getenv(envVar)
	}

	meta := get("metadata")
	p.Metadata = gateway.ProviderMetadata{
		IsFree:       meta.Get("is_free").Bool() || meta.Get("isFree").Bool(),
		PremiumModel: meta.Get("premium_model").Bool() || meta.Get("premiumModel").Bool(),
		Tier:         meta.Get("tier").String(),
		CostPerToken: meta.Get("cost_per_token").Float() + meta.Get("costPerToken").Float(),
	}

	p.Limits = gateway.ProviderLimits{
		RPM:        get("rpm").Int(),
		TPM:        get("tpm").Int(),
		Concurrent: int(get("concurrent").Int()),
	}
	if p.Limits.Concurrent == 0 {
		p.Limits.Concurrent = 10
	}

	if caps := get("capabilities"); caps.IsArray() {
		caps.ForEach(func(_, c gjson.Result) bool {
			p.Capabilities = append(p.Capabilities, c.String())
			return true
		})
	}

	p.Health.Status = gateway.HealthUnknown
	return p, nil
}

// normalize RFC-3986 parses and reserializes base_url (preserving the
// original string on parse failure, per spec.md §4.1), coerces negative
// rate-limit values up to 0, and floors token multipliers at 0.
func normalize(p *gateway.Provider) {
	if p.BaseURL != "" {
		if u, err := url.Parse(p.BaseURL); err == nil {
			p.BaseURL = u.String()
		}
	}
	if p.Limits.RPM < 0 {
		p.Limits.RPM = 0
	}
	if p.Limits.TPM < 0 {
		p.Limits.TPM = 0
	}
	if p.Limits.Concurrent < 0 {
		p.Limits.Concurrent = 0
	}
	if p.TokenMultiplier < 0 || math.IsNaN(p.TokenMultiplier) {
		p.TokenMultiplier = 0
	}
}

// parseCSV decodes the legacy CSV format from spec.md §6: a flat table with
// headers including Name, Base_URL, APIKey, and a model-list endpoint column.
// Every row maps to exactly one (endpoint, model) -> provider association,
// since the format has no nesting.
func parseCSV(data []byte) ([]*gateway.Provider, []*gateway.ModelEntry, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil, nil
	}

	header := rows[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[normalizeHeader(h)] = i
	}

	byName := make(map[string]*gateway.Provider)
	entriesByKey := make(map[string]*gateway.ModelEntry)
	var entries []*gateway.ModelEntry

	get := func(row []string, names ...string) string {
		for _, n := range names {
			if i, ok := col[n]; ok && i < len(row) {
				return row[i]
			}
		}
		return ""
	}

	for _, row := range rows[1:] {
		name := get(row, "name")
		if name == "" {
			continue
		}
		p, ok := byName[name]
		if !ok {
			p = &gateway.Provider{
				Name:            name,
				BaseURL:         get(row, "base_url", "baseurl"),
				UpstreamModelID: get(row, "model", "upstream_model_id"),
				TokenMultiplier: parseFloatOr(get(row, "token_multiplier"), 1.0),
				Priority:        int(parseFloatOr(get(row, "priority"), 0)),
				APIKeyRef:       resolveAPIKey(get(row, "apikey", "api_key"), get(row, "api_key_env_var")),
			}
			p.Limits.RPM = int64(parseFloatOr(get(row, "rpm"), 0))
			p.Limits.TPM = int64(parseFloatOr(get(row, "tpm"), 0))
			p.Limits.Concurrent = int(parseFloatOr(get(row, "concurrent"), 10))
			p.Health.Status = gateway.HealthUnknown
			byName[name] = p
		}

		endpoint := get(row, "model(s) list endpoint", "endpoint")
		model := get(row, "model_id", "logical_model")
		if model == "" {
			model = p.UpstreamModelID
		}
		if endpoint == "" {
			continue
		}
		key := endpoint + "\x00" + model
		entry, ok := entriesByKey[key]
		if !ok {
			entry = &gateway.ModelEntry{LogicalID: model, EndpointPath: endpoint}
			entriesByKey[key] = entry
			entries = append(entries, entry)
		}
		entry.Providers = append(entry.Providers, p)
	}

	providers := make([]*gateway.Provider, 0, len(byName))
	for _, p := range byName {
		providers = append(providers, p)
	}
	return providers, entries, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	return h
}

func parseFloatOr(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func resolveAPIKey(raw, envVar string) string {
	if raw != "" {
		return raw
	}
	if envVar != "" {
		return os.Getenv(envVar)
	}
	return ""
}

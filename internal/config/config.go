// Package config handles YAML configuration loading with environment
// variable expansion for the routing gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/driftgate/gateway/internal/decision"
	"github.com/driftgate/gateway/internal/loadbalancer"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimits     RateLimitConfig      `yaml:"rate_limits"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	LoadBalancer   LoadBalancerConfig   `yaml:"load_balancer"`
	Decision       DecisionConfig       `yaml:"decision"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Users          UsersConfig          `yaml:"users"`

	// Providers, Routes, and Keys are bootstrap seeds only: they populate the
	// sqlite audit mirror on first run (see Bootstrap). The live routing and
	// quota hot paths read Catalog.Path and Users.Path directly, the same
	// separation the provider catalog already draws between its file-backed
	// snapshot and its sqlite ProviderStore audit mirror.
	Providers []ProviderEntry `yaml:"providers"`
	Routes    []RouteEntry    `yaml:"routes"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds default per-key rate limiting settings. They are
// parsed and defaulted but not read by any other component; the per-provider
// limiters take their limits from the catalog.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"`
	DefaultTPM int64 `yaml:"default_tpm"`
}

// CircuitBreakerConfig configures the per-provider breaker registry.
type CircuitBreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// LoadBalancerConfig selects the provider-selection strategy.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy"` // "least_load" | "round_robin" | "weighted" | "random"
}

// DecisionConfig overrides the decision engine's scoring weights.
type DecisionConfig struct {
	Weights decision.Weights `yaml:"weights"`
}

// CatalogConfig points at the file-backed provider catalog (spec.md §6
// persisted-state format: JSON for a ".json" path, CSV otherwise).
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// UsersConfig points at the JSON users/quota file.
type UsersConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"allowed_origins"` // spec.md §6 ALLOWED_ORIGINS
}

// AllowedOrigins returns the configured CORS origin list. The ALLOWED_ORIGINS
// environment variable, when set to a JSON array, overrides the YAML value --
// this is the one setting spec.md §6 calls out as env-driven rather than
// file-driven, since it's the kind of thing an operator flips per deploy
// environment without touching the checked-in config.
func (c ServerConfig) AllowedOrigins() []string {
	if raw, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok && raw != "" {
		var origins []string
		if err := json.Unmarshal([]byte(raw), &origins); err == nil {
			return origins
		}
	}
	return c.CORSOrigins
}

// DatabaseConfig holds the sqlite audit-store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds gateway-wide auth settings.
type AuthConfig struct {
	AdminKey         string        `yaml:"admin_key"` // process-wide admin secret, spec.md §6
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

// ProviderEntry is a provider bootstrap seed.
type ProviderEntry struct {
	Name            string   `yaml:"name"`
	BaseURL         string   `yaml:"base_url"`
	APIKey          string   `yaml:"api_key"`
	UpstreamModelID string   `yaml:"upstream_model_id"`
	Priority        int      `yaml:"priority"`
	TokenMultiplier float64  `yaml:"token_multiplier"`
	Capabilities    []string `yaml:"capabilities"`
	RPM             int64    `yaml:"rpm"`
	TPM             int64    `yaml:"tpm"`
	Concurrent      int      `yaml:"concurrent"`
	IsFree          bool     `yaml:"is_free"`
	PremiumModel    bool     `yaml:"premium_model"`
	Tier            string   `yaml:"tier"`
	CostPerToken    float64  `yaml:"cost_per_token"`
}

// RouteEntry is a (endpoint, logical model) bootstrap seed.
type RouteEntry struct {
	Endpoint        string   `yaml:"endpoint"`
	Model           string   `yaml:"model"`
	Providers       []string `yaml:"providers"`
	Owner           string   `yaml:"owner"`
	TokenMultiplier float64  `yaml:"token_multiplier"`
}

// KeyEntry is a user/API-key bootstrap seed.
type KeyEntry struct {
	APIKey string   `yaml:"api_key"`
	Name   string   `yaml:"name"`
	Plan   string   `yaml:"plan"`
	Scopes []string `yaml:"scopes"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving the pattern untouched when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":2715",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "gateway.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 100_000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: 0.30,
			MinSamples:     10,
			WindowSeconds:  60,
			OpenTimeout:    30 * time.Second,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy: "least_load",
		},
		Decision: DecisionConfig{
			Weights: decision.DefaultWeights,
		},
		Catalog: CatalogConfig{Path: "providers.json"},
		Users:   UsersConfig{Path: "users.json"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadBalancerStrategy parses cfg's configured strategy, defaulting to
// least_load on an unrecognized value.
func (c *Config) LoadBalancerStrategy() loadbalancer.Strategy {
	switch c.LoadBalancer.Strategy {
	case string(loadbalancer.StrategyRoundRobin):
		return loadbalancer.StrategyRoundRobin
	case string(loadbalancer.StrategyWeighted):
		return loadbalancer.StrategyWeighted
	case string(loadbalancer.StrategyRandom):
		return loadbalancer.StrategyRandom
	default:
		return loadbalancer.StrategyLeastLoad
	}
}

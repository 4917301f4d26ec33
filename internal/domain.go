// Package gateway defines the domain types shared across the routing
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Provider catalog ---

// HealthStatus is the observed reachability of a provider.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthError    HealthStatus = "error"
	HealthUnknown  HealthStatus = "unknown"
)

// ProviderMetadata carries plan-gating and cost hints normalized at load time.
type ProviderMetadata struct {
	IsFree       bool    `json:"is_free"`
	PremiumModel bool    `json:"premium_model"`
	Tier         string  `json:"tier"`
	CostPerToken float64 `json:"cost_per_token"`
}

// ProviderLimits holds per-provider admission ceilings.
type ProviderLimits struct {
	RPM        int64 `json:"rpm"`
	TPM        int64 `json:"tpm"`
	Concurrent int   `json:"concurrent"`
}

// ProviderHealth is the mutable health state of a provider.
type ProviderHealth struct {
	Status             HealthStatus `json:"status"`
	LastChecked        time.Time    `json:"last_checked"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError          string       `json:"last_error,omitempty"`
}

// Provider is one upstream entry in the catalog -- a concrete endpoint
// capable of serving one or more logical models.
type Provider struct {
	Name             string `json:"name"`
	BaseURL          string `json:"base_url"`
	APIKeyRef        string `json:"-"` // resolved secret; never serialized
	UpstreamModelID  string `json:"upstream_model_id"`
	Priority         int    `json:"priority"` // lower = preferred
	TokenMultiplier  float64 `json:"token_multiplier"`
	Metadata         ProviderMetadata `json:"metadata"`
	Limits           ProviderLimits   `json:"limits"`
	Health           ProviderHealth   `json:"health"`
	Capabilities     []string         `json:"capabilities,omitempty"`
}

// ModelEntry maps a logical model ID, reachable at an endpoint, to the
// ordered list of providers that can serve it.
type ModelEntry struct {
	LogicalID       string      `json:"logical_id"`
	EndpointPath    string      `json:"endpoint_path"`
	Providers       []*Provider `json:"-"`
	Owner           string      `json:"owner,omitempty"`
	TokenMultiplier float64     `json:"token_multiplier"`
	Capabilities    []string    `json:"capabilities,omitempty"`
}

// --- Users / quota ---

// User is an API-key holder with a quota plan.
type User struct {
	APIKey                 string    `json:"-"`
	Username               string    `json:"username"`
	Plan                   string    `json:"plan"` // "0", "500k", "100m", "unlimited", ...
	Enabled                bool      `json:"enabled"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	TotalTokens            int64     `json:"total_tokens"`
	DailyTokensUsed        int64     `json:"daily_tokens_used"`
	LastUsageTimestamp     int64     `json:"last_usage_timestamp"` // unix seconds
	LastUpdatedTimestamp   int64     `json:"last_updated_timestamp"`
	LastRotationTimestamp  int64     `json:"last_rotation_timestamp,omitempty"`
	Scopes                 []string  `json:"scopes,omitempty"`
}

// --- Routing decision ---

// DecisionKind is the outcome category of a routing decision.
type DecisionKind string

const (
	DecisionRoute        DecisionKind = "route"
	DecisionCacheHit      DecisionKind = "cache_hit"
	DecisionNoCandidates  DecisionKind = "no_candidates"
	DecisionError         DecisionKind = "error"
)

// Candidate is a scored (model, provider) pair.
type Candidate struct {
	Model      string  `json:"model"`
	Provider   *Provider `json:"-"`
	ProviderID string  `json:"provider"`
	Score      float64 `json:"score"`
}

// RoutingDecision is the ephemeral output of the decision engine for one request.
type RoutingDecision struct {
	Kind         DecisionKind `json:"kind"`
	Model        string       `json:"model,omitempty"`
	Provider     *Provider    `json:"-"`
	ProviderName string       `json:"provider,omitempty"`
	Confidence   float64      `json:"confidence"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Alternatives []Candidate  `json:"alternatives,omitempty"`
	// PlanGated is set on a DecisionNoCandidates result when every
	// candidate that matched capability and health was excluded solely by
	// the free-plan gate, rather than there being no serving provider at
	// all -- the caller maps this to model_not_available instead of
	// no_candidates.
	PlanGated bool `json:"-"`
}

// --- Load balancing ---

// ProviderLoad tracks active-request utilization for a provider.
type ProviderLoad struct {
	Current     int       `json:"current"`
	Capacity    int       `json:"capacity"`
	LastUpdated time.Time `json:"last_updated"`
}

// Utilization returns current/capacity, or 1.0 if capacity is non-positive.
func (l ProviderLoad) Utilization() float64 {
	if l.Capacity <= 0 {
		return 1.0
	}
	return float64(l.Current) / float64(l.Capacity)
}

// --- Chat / embedding wire types (OpenAI-compatible) ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is
	Usage *Usage // non-nil once extractable
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
	User  string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// UsageRecord represents a single billable API usage event, persisted
// asynchronously by the usage recorder worker.
type UsageRecord struct {
	ID         string    `json:"id"`
	APIKey     string    `json:"api_key"`
	Model      string    `json:"model"`
	ProviderID string    `json:"provider_id"`
	Tokens     int64     `json:"tokens"`
	Cached     bool      `json:"cached"`
	LatencyMs  int       `json:"latency_ms"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageFilter bounds a usage ledger query by creation time (RFC3339,
// inclusive-since / exclusive-until) and a row cap.
type UsageFilter struct {
	Since string
	Until string
	Limit int
}

// UsageRollup is an hourly aggregate of usage records for one (api key,
// model) pair, computed by the usage rollup worker.
type UsageRollup struct {
	APIKey       string `json:"api_key"`
	Model        string `json:"model"`
	Period       string `json:"period"` // "hourly"
	Bucket       string `json:"bucket"` // RFC3339 hour-truncated timestamp
	RequestCount int64  `json:"request_count"`
	Tokens       int64  `json:"tokens"`
	CachedCount  int64  `json:"cached_count"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID   string
	User        *User
	APIKey      string
	ContentType string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// UserFromContext extracts the authenticated user from context.
func UserFromContext(ctx context.Context) *User {
	if m := metaFromContext(ctx); m != nil {
		return m.User
	}
	return nil
}

// ContextWithUser stores the user and their raw API key in the request context.
func ContextWithUser(ctx context.Context, u *User, apiKey string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.User = u
		m.APIKey = apiKey
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{User: u, APIKey: apiKey})
}

// APIKeyFromContext extracts the raw API key used to authenticate the request.
func APIKeyFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.APIKey
	}
	return ""
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// ContentTypeFromContext extracts the client's original request Content-Type,
// used when forwarding non-JSON bodies (e.g. multipart audio uploads) so the
// upstream call carries the same boundary instead of a hardcoded
// "application/json".
func ContentTypeFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.ContentType
	}
	return ""
}

// ContextWithContentType returns a context carrying the client's original
// request Content-Type header.
func ContextWithContentType(ctx context.Context, contentType string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.ContentType = contentType
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{ContentType: contentType})
}

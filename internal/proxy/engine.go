package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
	"github.com/driftgate/gateway/internal/circuitbreaker"
	"github.com/driftgate/gateway/internal/decision"
	"github.com/driftgate/gateway/internal/fallback"
	"github.com/driftgate/gateway/internal/loadbalancer"
	"github.com/driftgate/gateway/internal/quota"
	"github.com/driftgate/gateway/internal/ratelimit"
	"github.com/driftgate/gateway/internal/telemetry"
	"github.com/driftgate/gateway/internal/tokencount"
)

// attemptTimeout bounds a single upstream round trip (spec: 120s, generous
// enough for slow completions without holding a connection open forever).
const attemptTimeout = 120 * time.Second

// maxForwardAttempts bounds how many providers a single client request will
// try (the initial pick plus fallback.Handler-selected alternatives).
const maxForwardAttempts = 3

// Engine is the C7 proxy: it resolves a provider via the decision engine,
// gates admission through the rate limiter, circuit breaker, and load
// balancer, forwards the request upstream, and on failure consults the
// fallback handler for the next candidate to try.
type Engine struct {
	client   *http.Client
	catalog  *catalog.Catalog
	decision *decision.Engine
	balancer *loadbalancer.Balancer
	fallback *fallback.Handler
	limiters *ratelimit.Registry
	breakers *circuitbreaker.Registry
	quota    *quota.Store
	tokens   *tokencount.Counter
	metrics  *telemetry.Metrics
}

// WithMetrics attaches Prometheus counters for routing decisions and
// fallback outcomes. Optional; a nil metrics set disables the counters.
func (e *Engine) WithMetrics(m *telemetry.Metrics) *Engine {
	e.metrics = m
	return e
}

// New returns an Engine wired to the given components. resolver may be nil,
// in which case outbound calls use the default DNS resolver.
func New(
	cat *catalog.Catalog,
	dec *decision.Engine,
	bal *loadbalancer.Balancer,
	fb *fallback.Handler,
	limiters *ratelimit.Registry,
	breakers *circuitbreaker.Registry,
	q *quota.Store,
	resolver *dnscache.Resolver,
) *Engine {
	return &Engine{
		client:   &http.Client{Timeout: attemptTimeout, Transport: NewTransport(resolver)},
		catalog:  cat,
		decision: dec,
		balancer: bal,
		fallback: fb,
		limiters: limiters,
		breakers: breakers,
		quota:    q,
		tokens:   tokencount.NewCounter(),
	}
}

// target is one provider/model pair worth attempting.
type target struct {
	provider *gateway.Provider
	model    string
}

// Forward resolves the best provider for (endpoint, model, capabilities),
// forwards body to it, pipes the response (streaming or buffered) to w, and
// records usage against apiKey on success. It retries against
// fallback-selected providers on a retryable failure, up to
// maxForwardAttempts.
func (e *Engine) Forward(ctx context.Context, w http.ResponseWriter, endpoint string, user *gateway.User, apiKey string, body []byte) error {
	req := decision.Request{
		Endpoint:             endpoint,
		Model:                gjsonString(body, "model"),
		RequiredCapabilities: capabilitiesFor(endpoint),
		User:                 user,
	}

	dec := e.decision.Decide(ctx, req)
	if e.metrics != nil {
		e.metrics.RoutingDecisions.WithLabelValues(string(dec.Kind)).Inc()
	}
	if dec.Kind == gateway.DecisionNoCandidates {
		if dec.PlanGated {
			return gateway.ErrModelNotAvailable
		}
		return gateway.ErrNoCandidates
	}

	first := target{provider: e.catalog.Current().Provider(dec.ProviderName), model: dec.Model}
	if first.provider == nil {
		return gateway.ErrNoCandidates
	}

	streaming := gjsonString(body, "stream") == "true"
	estTokens := int64(e.estimateTokens(endpoint, body))

	cur := first
	var lastErr error
	for attempt := 1; attempt <= maxForwardAttempts; attempt++ {
		body, rewriteErr := rewriteModel(body, cur.provider.UpstreamModelID)
		if rewriteErr != nil {
			return fmt.Errorf("proxy: rewrite model: %w", rewriteErr)
		}

		ok, kind, err := e.attempt(ctx, w, endpoint, cur.provider, body, streaming, estTokens, apiKey)
		if ok {
			return nil
		}
		lastErr = err
		if kind == fallback.KindOther {
			return err
		}
		slog.Warn("proxy attempt failed, trying fallback",
			"attempt", attempt, "provider", cur.provider.Name, "model", cur.model, "kind", kind, "error", err)

		res := e.fallback.Handle(ctx, kind, cur.provider.Name, req)
		if e.metrics != nil {
			e.metrics.FallbackOutcomes.WithLabelValues(string(kind), strconv.FormatBool(res.Success)).Inc()
		}
		if !res.Success {
			break
		}
		next := e.catalog.Current().Provider(res.Provider)
		if next == nil {
			break
		}
		cur = target{provider: next, model: res.Model}
	}

	if lastErr == nil {
		lastErr = gateway.ErrAllProvidersFailed
	}
	return fmt.Errorf("%w: %w", gateway.ErrAllProvidersFailed, lastErr)
}

// attempt gates and executes a single provider call. ok is true once the
// response has been fully written to w and usage recorded.
func (e *Engine) attempt(ctx context.Context, w http.ResponseWriter, endpoint string, p *gateway.Provider, body []byte, streaming bool, estTokens int64, apiKey string) (ok bool, kind fallback.Kind, err error) {
	breaker := e.breakers.GetOrCreate(p.Name)
	if !breaker.Allow() {
		return false, fallback.KindProviderUnhealthy, fmt.Errorf("circuit breaker open for %s", p.Name)
	}

	limiter := e.limiters.GetOrCreate(p.Name, p.Limits)
	admission := limiter.CanAdmit(estTokens)
	if !admission.Allowed {
		return false, rateLimitKind(admission.Reason), fmt.Errorf("%s: %s", p.Name, admission.Reason)
	}

	bal := e.balancer.Admit([]loadbalancer.Candidate{candidateFor(p)})
	if bal.Queued {
		limiter.Record(false, false)
		return false, fallback.KindCapacityExceeded, fmt.Errorf("%s: at capacity", p.Name)
	}
	defer e.balancer.Release(p.Name)

	targetURL, err := buildTargetURL(p.BaseURL, endpoint)
	if err != nil {
		limiter.Record(false, false)
		return false, fallback.KindOther, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, targetURL, newBodyReader(body))
	if err != nil {
		limiter.Record(false, false)
		return false, fallback.KindOther, err
	}
	httpReq.Header = buildHeaders(p.BaseURL, p.APIKeyRef, gateway.ContentTypeFromContext(ctx))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		weight := circuitbreaker.ClassifyError(err)
		limiter.Record(false, true)
		breaker.RecordError(weight)
		e.catalog.UpdateHealth(p.Name, gateway.HealthError, err.Error())
		return false, fallback.KindProviderUnhealthy, fmt.Errorf("%w: %w", gateway.ErrUpstreamNetwork, err)
	}

	if resp.StatusCode >= 400 {
		respBody, readErr := drainBody(resp)
		if readErr != nil {
			respBody = nil
		}
		classified, k, retryable := classifyUpstream(resp.StatusCode, respBody)
		limiter.Record(false, retryable)
		breaker.RecordError(circuitbreaker.ClassifyError(classified))
		e.catalog.UpdateHealth(p.Name, gateway.HealthError, classified.Error())
		return false, k, classified
	}

	var tokens int64
	if streaming && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		result := pipeSSE(ctx, w, resp)
		if result.err != nil {
			slog.Warn("stream ended early", "provider", p.Name, "error", result.err)
		}
		tokens = int64(result.tokens)
	} else {
		respBody, readErr := drainBody(resp)
		if readErr != nil {
			limiter.Record(false, false)
			breaker.RecordError(1.0)
			return false, fallback.KindOther, readErr
		}
		writeBuffered(w, resp, respBody)
		tokens = int64(extractTokensBuffered(endpoint, body, respBody))
	}

	limiter.Record(true, false)
	limiter.AdjustTokens(tokens - estTokens)
	breaker.RecordSuccess()
	e.catalog.UpdateHealth(p.Name, gateway.HealthHealthy, "")

	if apiKey != "" {
		if rErr := e.quota.RecordUsage(apiKey, tokens, p.TokenMultiplier); rErr != nil {
			slog.Warn("failed to record usage", "api_key", apiKey, "error", rErr)
		}
	}
	return true, "", nil
}

// writeBuffered copies resp's non-hop-by-hop headers and body to w.
func writeBuffered(w http.ResponseWriter, resp *http.Response, body []byte) {
	header := w.Header()
	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func rateLimitKind(reason ratelimit.Reason) fallback.Kind {
	switch reason {
	case ratelimit.ReasonConcurrentLimit:
		return fallback.KindCapacityExceeded
	case ratelimit.ReasonBackoffActive:
		return fallback.KindProviderUnhealthy
	default:
		return fallback.KindRateLimitExceeded
	}
}

func candidateFor(p *gateway.Provider) loadbalancer.Candidate {
	return loadbalancer.Candidate{
		Name:     p.Name,
		Capacity: p.Limits.Concurrent,
		Healthy:  p.Health.Status == gateway.HealthHealthy || p.Health.Status == gateway.HealthDegraded,
	}
}

// capabilitiesFor derives the capability tags a request needs from its
// endpoint path -- the catalog marks each model entry with the set it serves.
func capabilitiesFor(endpoint string) []string {
	switch {
	case strings.Contains(endpoint, "/images/generations"):
		return []string{"image-generation"}
	case strings.Contains(endpoint, "/audio/transcriptions"):
		return []string{"audio-transcription"}
	case strings.Contains(endpoint, "/audio/speech"):
		return []string{"audio-speech"}
	case strings.Contains(endpoint, "/embeddings"):
		return []string{"embeddings"}
	default:
		return nil
	}
}

// estimateTokens derives a pre-flight token estimate for admission and rate
// limiting. Chat requests use the tokenizer heuristic; everything else falls
// back to a char-count estimate of the whole body.
func (e *Engine) estimateTokens(endpoint string, body []byte) int {
	if strings.Contains(endpoint, "/chat/completions") {
		var req gateway.ChatRequest
		if err := json.Unmarshal(body, &req); err == nil {
			return e.tokens.EstimateRequest(req.Model, req.Messages)
		}
	}
	return ceilDiv(len(body), 4)
}

func newBodyReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}

func gjsonString(body []byte, field string) string {
	var raw map[string]json.RawMessage
	if json.Unmarshal(body, &raw) != nil {
		return ""
	}
	v, ok := raw[field]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var b bool
	if json.Unmarshal(v, &b) == nil && b {
		return "true"
	}
	return ""
}

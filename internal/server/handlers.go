package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/catalog"
	"github.com/driftgate/gateway/internal/collab"
)

// maxRequestBody is the maximum allowed JSON request body size (4 MB).
const maxRequestBody = 4 << 20

// maxAudioBody is the multipart file-upload cap, spec.md §6 (25 MB).
const maxAudioBody = 25 << 20

// bodyPool reuses buffers for request body reads, avoiding a per-request
// allocation on the hot path.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// forwardDescriptor names one OpenAI-compatible route and its body-size cap;
// every descriptor shares the same forwardHandler body -- the proxy engine
// already does endpoint-specific capability routing, model rewriting, and
// token extraction, so the transport layer needs no per-endpoint logic
// beyond picking the right cap and content type.
type forwardDescriptor struct {
	route    string
	maxBytes int64
}

var forwardDescriptors = []forwardDescriptor{
	{route: "/v1/chat/completions", maxBytes: maxRequestBody},
	{route: "/v1/embeddings", maxBytes: maxRequestBody},
	{route: "/v1/images/generations", maxBytes: maxRequestBody},
	{route: "/v1/audio/speech", maxBytes: maxRequestBody},
	{route: "/v1/responses", maxBytes: maxRequestBody},
}

// forwardHandler returns the shared handler for one OpenAI-compatible
// endpoint: read the body, resolve the authenticated caller, and hand off
// to the proxy engine, which owns routing, fallback, and streaming.
func (s *server) forwardHandler(d forwardDescriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, d.maxBytes)
		buf := bodyPool.Get().(*bytes.Buffer)
		buf.Reset()
		_, err := buf.ReadFrom(r.Body)
		if err != nil {
			bodyPool.Put(buf)
			writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
			return
		}
		body := make([]byte, buf.Len())
		copy(body, buf.Bytes())
		bodyPool.Put(buf)

		user := gateway.UserFromContext(r.Context())
		apiKey := gateway.APIKeyFromContext(r.Context())

		if err := s.deps.Proxy.Forward(r.Context(), w, d.route, user, apiKey, body); err != nil {
			writeErr(w, err)
		}
	}
}

// handleAudioTranscription forwards a multipart/form-data upload. It needs
// its own handler (rather than forwardHandler) because the upload must be
// read with a multipart-aware size cap and its original Content-Type
// (carrying the multipart boundary) preserved all the way to the upstream
// call.
func (s *server) handleAudioTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	_, err := buf.ReadFrom(r.Body)
	if err != nil {
		bodyPool.Put(buf)
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "request body too large or unreadable")
		return
	}
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	bodyPool.Put(buf)

	user := gateway.UserFromContext(r.Context())
	apiKey := gateway.APIKeyFromContext(r.Context())

	if err := s.deps.Proxy.Forward(r.Context(), w, "/v1/audio/transcriptions", user, apiKey, body); err != nil {
		writeErr(w, err)
	}
}

// handleListModels aggregates every logical model entry across the catalog
// into an OpenAI-compatible model list.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Catalog.Current().AllModels()
	now := time.Now().Unix()

	data := make([]modelEntry, len(entries))
	for i, e := range entries {
		data[i] = modelEntry{
			ID:              e.LogicalID,
			Object:          "model",
			Created:         now,
			OwnedBy:         "system",
			TokenMultiplier: e.TokenMultiplier,
			Endpoint:        e.EndpointPath,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID              string  `json:"id"`
	Object          string  `json:"object"`
	Created         int64   `json:"created"`
	OwnedBy         string  `json:"owned_by"`
	TokenMultiplier float64 `json:"token_multiplier"`
	Endpoint        string  `json:"endpoint"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleUsage reports the authenticated caller's own token usage, applying
// the same new-UTC-day reset rule the quota store uses on write.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := gateway.UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication_error", "api_key_missing")
		return
	}

	daily := user.DailyTokensUsed
	if isNewUTCDay(user.LastUsageTimestamp) {
		daily = 0
	}

	writeJSON(w, http.StatusOK, usageResponse{
		TotalTokensProcessed:       user.TotalTokens,
		DailyTokensProcessedToday:  daily,
		TimestampUTC:               time.Now().UTC().Format(time.RFC3339),
	})
}

type usageResponse struct {
	TotalTokensProcessed      int64  `json:"total_tokens_processed"`
	DailyTokensProcessedToday int64  `json:"daily_tokens_processed_today_utc"`
	TimestampUTC              string `json:"timestamp_utc"`
}

func isNewUTCDay(lastUnix int64) bool {
	if lastUnix == 0 {
		return true
	}
	last := time.Unix(lastUnix, 0).UTC()
	now := time.Now().UTC()
	return last.Year() != now.Year() || last.YearDay() != now.YearDay()
}

// handleHealth reports catalog health: 200 when at least one provider is
// reachable, 503 when every provider is down or the catalog is empty.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Detail: err.Error()})
			return
		}
	}

	summary := s.deps.Catalog.Current().GetHealthSummary()
	if summary.Healthy == 0 {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Providers: summary})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Providers: summary})
}

type healthResponse struct {
	Status    string                `json:"status"`
	Detail    string                `json:"detail,omitempty"`
	Providers catalog.HealthSummary `json:"providers,omitempty"`
}

// handleCollaborate runs a multi-provider collaboration mode (spec.md §4.8)
// over a caller-supplied list of fully-formed upstream requests.
func (s *server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	var req collaborateRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		bodyPool.Put(buf)
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	bodyPool.Put(buf)

	if len(req.Requests) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "requests must not be empty")
		return
	}

	calls := make([]collab.CallRequest, len(req.Requests))
	for i, c := range req.Requests {
		calls[i] = collab.CallRequest{Endpoint: c.Endpoint, Body: []byte(c.Body)}
	}

	user := gateway.UserFromContext(r.Context())
	apiKey := gateway.APIKeyFromContext(r.Context())

	result, err := s.deps.Collab.Run(r.Context(), collab.Mode(req.Mode), user, apiKey, calls)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type collaborateRequest struct {
	Mode     string             `json:"mode"`
	Requests []collaborateEntry `json:"requests"`
}

type collaborateEntry struct {
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body"`
}

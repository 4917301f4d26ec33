// Package proxy implements the forwarding contract described in spec.md
// §4.7: it constructs the upstream request, pipes back streaming or
// buffered responses, classifies upstream failures for the fallback
// handler, and extracts a billable token count from the response.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/fallback"
)

const userAgent = "driftgate-gateway/1.0"

// legacyOpenAIMarker identifies upstreams that expect the request path
// without its leading /v1, per the "/api/openai" legacy compatibility rule.
const legacyOpenAIMarker = "/api/openai"

// buildTargetURL joins provider.BaseURL (trailing slash trimmed) with
// requestPath, stripping a leading "/v1/" when the base URL targets a
// legacy "/api/openai" upstream.
func buildTargetURL(baseURL, requestPath string) (string, error) {
	base := strings.TrimRight(baseURL, "/")
	path := requestPath
	if strings.Contains(base, legacyOpenAIMarker) {
		path = strings.TrimPrefix(path, "/v1")
	}
	full := base + path
	if _, err := url.Parse(full); err != nil {
		return "", fmt.Errorf("proxy: invalid target url: %w", err)
	}
	return full, nil
}

// rewriteModel replaces the "model" field of a JSON request body with
// upstreamModel, preserving every other field untouched.
func rewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	if upstreamModel == "" || !gjson.ValidBytes(body) {
		return body, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body, nil
	}
	if _, ok := raw["model"]; !ok {
		return body, nil
	}
	encoded, err := json.Marshal(upstreamModel)
	if err != nil {
		return body, err
	}
	raw["model"] = encoded
	return json.Marshal(raw)
}

// buildHeaders returns the headers attached to every upstream request. The
// Authorization header is omitted for legacy "/api/openai" upstreams, which
// authenticate some other way (e.g. a header baked into their base URL).
// contentType overrides the default "application/json" -- multipart uploads
// (audio transcription) must preserve their original boundary.
func buildHeaders(baseURL, apiKey, contentType string) http.Header {
	h := http.Header{}
	if contentType == "" {
		contentType = "application/json"
	}
	h.Set("Content-Type", contentType)
	h.Set("Accept", "*/*")
	h.Set("User-Agent", userAgent)
	if apiKey != "" && !strings.Contains(baseURL, legacyOpenAIMarker) {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

// hopByHopHeaders are stripped when piping an SSE response back to the
// client; these describe the upstream connection, not the one to our
// caller, and forwarding them verbatim would corrupt chunked framing.
var hopByHopHeaders = []string{"Transfer-Encoding", "Connection", "Content-Encoding", "Content-Length"}

// classifyUpstream maps an upstream HTTP status and body to the gateway's
// error taxonomy and the fallback.Kind that should be tried next; retryable
// reports whether the failure counts as transient. err is nil for a status
// below 400.
func classifyUpstream(statusCode int, body []byte) (err error, kind fallback.Kind, retryable bool) {
	switch statusCode {
	case http.StatusForbidden:
		return gateway.ErrProviderDenial, fallback.KindProviderUnhealthy, true
	case http.StatusTooManyRequests:
		return gateway.ErrRequestLimitExceeded, fallback.KindRateLimitExceeded, true
	case http.StatusPaymentRequired:
		if bytes.Contains(bytes.ToLower(body), []byte("token")) {
			return gateway.ErrTokenLimitExceeded, fallback.KindRateLimitExceeded, true
		}
		return gateway.ErrProviderDenial, fallback.KindOther, false
	default:
		if statusCode >= 400 {
			return fmt.Errorf("%w: upstream status %d", gateway.ErrProviderDenial, statusCode), fallback.KindOther, false
		}
		return nil, "", false
	}
}

// endpointTokenOverride returns a fixed non-content-derived token count for
// endpoints whose billing unit isn't "characters in the response", or 0 if
// the endpoint uses the standard usage-field/char-estimate path.
//
// image generation is always 1 request-unit; audio endpoints are handled by
// extractTokensBuffered directly since they need the response/request body.
func endpointTokenOverride(endpointPath string) (tokens int, ok bool) {
	if strings.Contains(endpointPath, "/images/generations") {
		return 1, true
	}
	return 0, false
}

// extractTokensBuffered derives a billable token count from a buffered
// (non-streaming) response, in the priority order the spec names:
// usage.total_tokens, then prompt+completion, then a char-count estimate.
// Audio transcription and text-to-speech endpoints use their own rules
// since they carry no token usage field at all.
func extractTokensBuffered(endpointPath string, reqBody, respBody []byte) int {
	if n, ok := endpointTokenOverride(endpointPath); ok {
		return n
	}

	if strings.Contains(endpointPath, "/audio/transcriptions") {
		if text := gjson.GetBytes(respBody, "text"); text.Exists() {
			return ceilDiv(len(text.String()), 4)
		}
		return 1
	}
	if strings.Contains(endpointPath, "/audio/speech") {
		if input := gjson.GetBytes(reqBody, "input"); input.Exists() {
			return len(input.String())
		}
		return 1
	}

	if u := gjson.GetBytes(respBody, "usage"); u.Exists() {
		if total := u.Get("total_tokens"); total.Exists() {
			return int(total.Int())
		}
		prompt := u.Get("prompt_tokens")
		completion := u.Get("completion_tokens")
		if prompt.Exists() || completion.Exists() {
			return int(prompt.Int() + completion.Int())
		}
	}

	inputChars := len(gjson.GetBytes(reqBody, "messages").Raw) + len(gjson.GetBytes(reqBody, "input").Raw)
	return ceilDiv(inputChars, 4) + ceilDiv(len(respBody), 4)
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

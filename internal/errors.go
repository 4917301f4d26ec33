package gateway

import (
	"errors"
	"net/http"
)

// httpError pairs a sentinel error with its default HTTP status so transport
// code can map errors to responses without a per-handler switch.
type httpError struct {
	error
	status int
	code   string
}

func (e *httpError) HTTPStatus() int { return e.status }
func (e *httpError) Code() string    { return e.code }
func (e *httpError) Unwrap() error   { return e.error }

func newError(msg, code string, status int) *httpError {
	return &httpError{error: errors.New(msg), status: status, code: code}
}

// Sentinel errors for the gateway domain. Each carries an HTTPStatus().
var (
	ErrBadRequest          = newError("bad request", "invalid_request_error", http.StatusBadRequest)
	ErrUnauthorized        = newError("unauthorized", "authentication_error", http.StatusUnauthorized)
	ErrForbidden           = newError("forbidden", "forbidden_error", http.StatusForbidden)
	ErrNotFound            = newError("not found", "invalid_request_error", http.StatusNotFound)
	ErrConflict            = newError("conflict", "invalid_request_error", http.StatusConflict)
	ErrAPIKeyMissing       = newError("api_key_missing", "authentication_error", http.StatusUnauthorized)
	ErrInvalidAPIKey       = newError("invalid_api_key", "authentication_error", http.StatusForbidden)
	ErrAPIKeyExpired       = newError("api_key_expired", "authentication_error", http.StatusUnauthorized)
	ErrAPIKeyRotationDue   = newError("api_key_rotation_required", "forbidden_error", http.StatusForbidden)
	ErrInsufficientScope   = newError("insufficient_permissions", "forbidden_error", http.StatusForbidden)
	ErrDailyLimitExceeded  = newError("daily_limit_exceeded", "rate_limit_error", http.StatusTooManyRequests)
	ErrModelNotAvailable   = newError("model_not_available", "forbidden_error", http.StatusForbidden)
	ErrNoCandidates        = newError("no_candidates", "invalid_request_error", http.StatusNotFound)
	ErrBackoffActive       = newError("backoff_active", "rate_limit_error", http.StatusTooManyRequests)
	ErrRequestLimitExceeded = newError("request_limit_exceeded", "rate_limit_error", http.StatusTooManyRequests)
	ErrTokenLimitExceeded  = newError("token_limit_exceeded", "rate_limit_error", http.StatusTooManyRequests)
	ErrConcurrentLimit     = newError("concurrent_limit_exceeded", "rate_limit_error", http.StatusTooManyRequests)
	ErrQueueTimeout        = newError("queue_timeout", "rate_limit_error", http.StatusTooManyRequests)
	ErrAllProvidersFailed  = newError("All upstream providers failed", "server_error", http.StatusBadGateway)
	ErrProviderDenial      = newError("provider_denial", "server_error", http.StatusBadGateway)
	ErrUpstreamNetwork     = newError("network_error", "server_error", http.StatusBadGateway)
	ErrConfiguration       = newError("configuration", "server_error", http.StatusInternalServerError)
	ErrInternal            = newError("internal", "server_error", http.StatusInternalServerError)
)

// HTTPStatusOf returns the HTTP status associated with err, defaulting to 500.
func HTTPStatusOf(err error) int {
	var he *httpError
	if errors.As(err, &he) {
		return he.status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the error-body `type` field associated with err.
func CodeOf(err error) string {
	var he *httpError
	if errors.As(err, &he) {
		return he.code
	}
	return "server_error"
}

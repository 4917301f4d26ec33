// Package ratelimit enforces per-provider admission limits: requests and
// tokens per rolling minute, a concurrency cap, and exponential backoff
// after upstream 429/503 responses.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	gateway "github.com/driftgate/gateway/internal"
)

// Reason identifies why an admission request was denied.
type Reason string

const (
	ReasonBackoffActive   Reason = "backoff_active"
	ReasonRequestLimit    Reason = "request_limit_exceeded"
	ReasonTokenLimit      Reason = "token_limit_exceeded"
	ReasonConcurrentLimit Reason = "concurrent_limit_exceeded"
)

// Decision is the outcome of CanAdmit.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Limiter tracks one provider's rolling-minute request/token counters,
// in-flight concurrency, and backoff state. The minute bucket resets in one
// step when it expires, rather than leaking continuously: request/token
// counts reset to zero together, matching the per-minute quota providers
// are billed under.
type Limiter struct {
	mu sync.Mutex

	limits gateway.ProviderLimits

	minuteBucketStart  time.Time
	requestsThisMinute int64
	tokensThisMinute   int64
	concurrent         int

	backoffUntil time.Time
	backoff      *backoff.ExponentialBackOff

	lastUsed time.Time
}

func newLimiter(limits gateway.ProviderLimits) *Limiter {
	now := time.Now()
	return &Limiter{
		limits:            limits,
		minuteBucketStart: now,
		lastUsed:          now,
		backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Second),
			backoff.WithMaxInterval(60*time.Second),
			backoff.WithMultiplier(2.0),
			backoff.WithRandomizationFactor(0),
		),
	}
}

func (l *Limiter) rollBucket(now time.Time) {
	if now.Sub(l.minuteBucketStart) >= time.Minute {
		l.minuteBucketStart = now
		l.requestsThisMinute = 0
		l.tokensThisMinute = 0
	}
}

// CanAdmit evaluates whether one more request estimated at estTokens may
// proceed, and if so reserves its slot: the request/token/concurrency
// counters are incremented immediately so a burst of concurrent callers
// cannot all observe room that exists for only one of them. A denied
// caller makes no reservation. An admitted caller must eventually call
// Record to release its concurrency slot.
func (l *Limiter) CanAdmit(estTokens int64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.lastUsed = now

	if now.Before(l.backoffUntil) {
		return Decision{Reason: ReasonBackoffActive, RetryAfter: l.backoffUntil.Sub(now)}
	}
	l.rollBucket(now)

	if l.limits.RPM > 0 && l.requestsThisMinute+1 > l.limits.RPM {
		return Decision{Reason: ReasonRequestLimit}
	}
	if l.limits.TPM > 0 && l.tokensThisMinute+estTokens > l.limits.TPM {
		return Decision{Reason: ReasonTokenLimit}
	}
	if l.limits.Concurrent > 0 && l.concurrent+1 > l.limits.Concurrent {
		return Decision{Reason: ReasonConcurrentLimit}
	}

	l.requestsThisMinute++
	l.tokensThisMinute += estTokens
	l.concurrent++
	return Decision{Allowed: true}
}

// Record releases the concurrency slot reserved by a prior admitted
// CanAdmit call and updates backoff state. retryable marks an upstream
// 429/503 response: a success resets backoff to zero; a retryable failure
// advances it to the next exponential delay, doubling from the last one up
// to MaxInterval.
func (l *Limiter) Record(success, retryable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.concurrent > 0 {
		l.concurrent--
	}
	if success {
		l.backoff.Reset()
		l.backoffUntil = time.Time{}
		return
	}
	if retryable {
		delay := l.backoff.NextBackOff()
		if delay != backoff.Stop {
			l.backoffUntil = time.Now().Add(delay)
		}
	}
}

// AdjustTokens corrects the minute's token counter by delta (actual minus
// estimated) once a completed request's true token count is known.
func (l *Limiter) AdjustTokens(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokensThisMinute += delta
	if l.tokensThisMinute < 0 {
		l.tokensThisMinute = 0
	}
}

// Package auth implements the gateway's API key authentication and quota
// gate (request resolution, expiry/rotation checks, scope matching). The
// daily-limit check itself lives in internal/quota; this package is the
// transport-facing wrapper that turns its verdicts into sentinel errors.
package auth

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/quota"
)

// DefaultRotationInterval is used when a deployment does not configure one.
// Ninety days balances key hygiene against operational churn for a
// traffic-light style gateway with no self-serve key rotation flow.
const DefaultRotationInterval = 90 * 24 * time.Hour

// Gate resolves an API key to a user, enforcing expiry, rotation, daily
// quota, and scope. It is a no-op (bootstrap mode) while the backing store
// holds no users at all, so a fresh deployment can serve requests before
// any key is provisioned.
type Gate struct {
	quota            *quota.Store
	rotationInterval time.Duration
}

// New returns a Gate backed by store.
func New(store *quota.Store) *Gate {
	return &Gate{quota: store, rotationInterval: DefaultRotationInterval}
}

// WithRotationInterval overrides the default key-rotation window.
func (g *Gate) WithRotationInterval(d time.Duration) *Gate {
	if d > 0 {
		g.rotationInterval = d
	}
	return g
}

// Authenticate resolves the caller's API key from the request, applies the
// gate, and returns the User plus the raw key on success. The request
// context should then be extended with gateway.ContextWithUser.
func (g *Gate) Authenticate(_ context.Context, r *http.Request) (*gateway.User, string, error) {
	apiKey := extractKey(r)

	if g.quota.Empty() {
		// Bootstrap mode: no users provisioned yet, let everything through.
		return nil, apiKey, nil
	}

	if apiKey == "" {
		return nil, "", gateway.ErrAPIKeyMissing
	}

	u := g.quota.Resolve(apiKey)
	if u == nil || !u.Enabled {
		return nil, "", gateway.ErrInvalidAPIKey
	}

	now := time.Now()
	if u.ExpiresAt != nil && now.After(*u.ExpiresAt) {
		return nil, "", gateway.ErrAPIKeyExpired
	}

	if u.LastRotationTimestamp > 0 {
		last := time.Unix(u.LastRotationTimestamp, 0)
		if now.Sub(last) > g.rotationInterval {
			return nil, "", gateway.ErrAPIKeyRotationDue
		}
	}

	if !scopeAllows(u.Scopes, r.URL.Path) {
		return nil, "", gateway.ErrInsufficientScope
	}

	check := g.quota.CheckDaily(u)
	if !check.OK {
		return nil, "", gateway.ErrDailyLimitExceeded
	}

	return u, apiKey, nil
}

// extractKey reads the caller's API key from Authorization: Bearer or
// X-API-Key, in that order.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// scopeAllows reports whether reqPath matches at least one of scopes. An
// empty scope list means unrestricted access. Each scope is either an exact
// path, a "*" wildcard, or a "prefix*" glob.
func scopeAllows(scopes []string, reqPath string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, scope := range scopes {
		if scope == "*" || scope == reqPath {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, "*"); ok {
			if strings.HasPrefix(reqPath, prefix) {
				return true
			}
		}
		if ok, _ := path.Match(scope, reqPath); ok {
			return true
		}
	}
	return false
}

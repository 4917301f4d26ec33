package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/quota"
)

func newStoreWithUser(u *gateway.User) *quota.Store {
	s := quota.New()
	s.Put(u.APIKey, u)
	return s
}

func TestAuthenticate_BootstrapModeNoUsers(t *testing.T) {
	g := New(quota.New())
	u, key, err := g.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))
	require.NoError(t, err)
	require.Nil(t, u)
	require.Empty(t, key)
}

func TestAuthenticate_MissingKey(t *testing.T) {
	store := newStoreWithUser(&gateway.User{APIKey: "sk-1", Enabled: true, Plan: "unlimited"})
	g := New(store)
	_, _, err := g.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))
	require.ErrorIs(t, err, gateway.ErrAPIKeyMissing)
}

func TestAuthenticate_ValidBearer(t *testing.T) {
	store := newStoreWithUser(&gateway.User{APIKey: "sk-1", Enabled: true, Plan: "unlimited"})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	u, key, err := g.Authenticate(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "sk-1", key)
	require.Equal(t, "sk-1", u.APIKey)
}

func TestAuthenticate_XAPIKeyHeader(t *testing.T) {
	store := newStoreWithUser(&gateway.User{APIKey: "sk-2", Enabled: true, Plan: "unlimited"})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("X-API-Key", "sk-2")
	u, _, err := g.Authenticate(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "sk-2", u.APIKey)
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	store := newStoreWithUser(&gateway.User{APIKey: "sk-1", Enabled: true, Plan: "unlimited"})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-missing")
	_, _, err := g.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, gateway.ErrInvalidAPIKey)
}

func TestAuthenticate_DisabledKey(t *testing.T) {
	store := newStoreWithUser(&gateway.User{APIKey: "sk-1", Enabled: false, Plan: "unlimited"})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	_, _, err := g.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, gateway.ErrInvalidAPIKey)
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := newStoreWithUser(&gateway.User{APIKey: "sk-1", Enabled: true, Plan: "unlimited", ExpiresAt: &past})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	_, _, err := g.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, gateway.ErrAPIKeyExpired)
}

func TestAuthenticate_RotationOverdue(t *testing.T) {
	store := newStoreWithUser(&gateway.User{
		APIKey: "sk-1", Enabled: true, Plan: "unlimited",
		LastRotationTimestamp: time.Now().Add(-100 * 24 * time.Hour).Unix(),
	})
	g := New(store).WithRotationInterval(90 * 24 * time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	_, _, err := g.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, gateway.ErrAPIKeyRotationDue)
}

func TestAuthenticate_DailyLimitExceeded(t *testing.T) {
	store := newStoreWithUser(&gateway.User{
		APIKey: "sk-1", Enabled: true, Plan: "1k",
		DailyTokensUsed:    2000,
		LastUsageTimestamp: time.Now().Unix(),
	})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	_, _, err := g.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, gateway.ErrDailyLimitExceeded)
}

func TestAuthenticate_ScopeDenied(t *testing.T) {
	store := newStoreWithUser(&gateway.User{
		APIKey: "sk-1", Enabled: true, Plan: "unlimited",
		Scopes: []string{"/v1/embeddings"},
	})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	_, _, err := g.Authenticate(context.Background(), r)
	require.ErrorIs(t, err, gateway.ErrInsufficientScope)
}

func TestAuthenticate_ScopeWildcardPrefix(t *testing.T) {
	store := newStoreWithUser(&gateway.User{
		APIKey: "sk-1", Enabled: true, Plan: "unlimited",
		Scopes: []string{"/v1/chat*"},
	})
	g := New(store)
	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-1")
	_, _, err := g.Authenticate(context.Background(), r)
	require.NoError(t, err)
}

func TestScopeAllows_ExactAndStar(t *testing.T) {
	require.True(t, scopeAllows(nil, "/anything"))
	require.True(t, scopeAllows([]string{"*"}, "/anything"))
	require.True(t, scopeAllows([]string{"/v1/models"}, "/v1/models"))
	require.False(t, scopeAllows([]string{"/v1/models"}, "/v1/chat/completions"))
}

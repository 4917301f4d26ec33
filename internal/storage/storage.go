// Package storage defines the durable persistence interfaces backing the
// gateway's sqlite-backed stores: user/provider/route audit rows and the
// usage ledger. Per-request hot-path state (live quota counters, the
// in-memory catalog snapshot) lives in internal/quota and internal/catalog
// respectively; these stores back boot-time seeding, the usage ledger, and
// its rollups instead.
package storage

import (
	"context"

	gateway "github.com/driftgate/gateway/internal"
)

// UserStore manages durable user/quota records, keyed by API key.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, apiKey string) (*gateway.User, error)
	ListUsers(ctx context.Context) ([]*gateway.User, error)
	UpdateUser(ctx context.Context, u *gateway.User) error
	RenameUser(ctx context.Context, oldKey, newKey string) error
	DeleteUser(ctx context.Context, apiKey string) error
}

// ProviderStore holds provider audit rows. config.Bootstrap writes the
// providers listed in the config file here at startup; catalog reloads do
// not write to it.
type ProviderStore interface {
	UpsertProvider(ctx context.Context, p *gateway.Provider) error
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	DeleteProvider(ctx context.Context, name string) error
}

// RouteStore persists (endpoint, model) -> provider-name associations,
// seeded by config.Bootstrap from the config file's routes in the same way
// as ProviderStore.
type RouteStore interface {
	UpsertRoute(ctx context.Context, endpoint, model string, providerNames []string, owner string, tokenMultiplier float64) error
	ListRoutes(ctx context.Context) ([]RouteRow, error)
	DeleteRoute(ctx context.Context, endpoint, model string) error
}

// RouteRow is one persisted (endpoint, model) -> providers association.
type RouteRow struct {
	Endpoint        string
	Model           string
	ProviderNames   []string
	Owner           string
	TokenMultiplier float64
}

// UsageStore manages the usage ledger and its rollups. /v1/usage does not
// read it; that handler reports the quota user record.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, filter gateway.UsageFilter) ([]gateway.UsageRecord, error)
	SumTokens(ctx context.Context, apiKey string, sinceUnix int64) (int64, error)
	UpsertRollup(ctx context.Context, rollups []gateway.UsageRollup) error
}

// Store combines every durable store behind one handle plus lifecycle and
// health-check methods.
type Store interface {
	UserStore
	ProviderStore
	RouteStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}

package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/storage"
)

// Bootstrap seeds the sqlite audit store from cfg: providers and routes are
// upserted (overwritten with the config's values on every run), while a user
// already present is left untouched (Get-then-create-if-absent). This mirrors the provider catalog's existing split between a
// file-backed live snapshot and a sqlite audit mirror, extended to users and
// routes.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, p := range cfg.Providers {
		provider := &gateway.Provider{
			Name:            p.Name,
			BaseURL:         p.BaseURL,
			UpstreamModelID: p.UpstreamModelID,
			Priority:        p.Priority,
			TokenMultiplier: orDefault(p.TokenMultiplier, 1.0),
			Capabilities:    p.Capabilities,
			Metadata: gateway.ProviderMetadata{
				IsFree:       p.IsFree,
				PremiumModel: p.PremiumModel,
				Tier:         p.Tier,
				CostPerToken: p.CostPerToken,
			},
			Limits: gateway.ProviderLimits{
				RPM:        p.RPM,
				TPM:        p.TPM,
				Concurrent: p.Concurrent,
			},
			Health: gateway.ProviderHealth{Status: gateway.HealthUnknown},
		}
		if err := store.UpsertProvider(ctx, provider); err != nil {
			return err
		}
		slog.Info("bootstrapped provider", "name", p.Name)
	}

	for _, r := range cfg.Routes {
		if err := store.UpsertRoute(ctx, r.Endpoint, r.Model, r.Providers, r.Owner, orDefault(r.TokenMultiplier, 1.0)); err != nil {
			return err
		}
		slog.Info("bootstrapped route", "endpoint", r.Endpoint, "model", r.Model)
	}

	for _, k := range cfg.Keys {
		if k.APIKey == "" {
			continue
		}
		existing, err := store.GetUser(ctx, k.APIKey)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		if existing != nil {
			continue
		}
		now := time.Now().Unix()
		user := &gateway.User{
			APIKey:               k.APIKey,
			Username:             k.Name,
			Plan:                 k.Plan,
			Enabled:              true,
			Scopes:               k.Scopes,
			LastUpdatedTimestamp: now,
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return err
		}
		slog.Info("bootstrapped user", "name", k.Name)
	}

	return nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// GenerateAdminKey creates a random 32-byte admin secret, base64url-encoded.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "sk-admin-" + base64.RawURLEncoding.EncodeToString(raw)
}

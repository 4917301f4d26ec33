package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftgate/gateway/internal/catalog"
)

const catalogPollInterval = 30 * time.Second

// CatalogWatcher polls the providers file on an interval and performs the
// atomic snapshot swap described in the catalog's reload policy. A failed
// reload logs and keeps serving the prior snapshot -- the watcher never
// tears down the gateway over a bad file.
type CatalogWatcher struct {
	catalog  *catalog.Catalog
	interval time.Duration
}

// NewCatalogWatcher creates a CatalogWatcher polling at the default interval.
func NewCatalogWatcher(c *catalog.Catalog) *CatalogWatcher {
	return &CatalogWatcher{catalog: c, interval: catalogPollInterval}
}

// WithInterval overrides the poll interval.
func (w *CatalogWatcher) WithInterval(d time.Duration) *CatalogWatcher {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Name returns the worker identifier.
func (w *CatalogWatcher) Name() string { return "catalog_watcher" }

// Run polls until ctx is cancelled.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := w.catalog.Reload()
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "catalog reload failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if result.ValidProviders == 0 {
				continue
			}
			slog.Info("catalog reloaded", "valid_providers", result.ValidProviders, "valid", result.IsValid)
		}
	}
}

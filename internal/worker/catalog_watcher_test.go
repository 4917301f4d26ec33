package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftgate/gateway/internal/catalog"
)

func writeProvidersFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.json")
	body := map[string]any{
		"endpoints": map[string]any{
			"/v1/chat/completions": map[string]any{
				"models": map[string]any{
					"gpt-4o": []map[string]any{
						{"name": "openai-primary", "base_url": "https://api.openai.com/v1", "priority": 1},
					},
				},
			},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCatalogWatcher_PollsAndReloads(t *testing.T) {
	t.Parallel()
	path := writeProvidersFile(t)
	c := catalog.New()
	if _, err := c.Load(path); err != nil {
		t.Fatal(err)
	}

	w := NewCatalogWatcher(c).WithInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done
}

func TestCatalogWatcher_Name(t *testing.T) {
	w := NewCatalogWatcher(catalog.New())
	if w.Name() != "catalog_watcher" {
		t.Errorf("Name() = %q, want catalog_watcher", w.Name())
	}
}

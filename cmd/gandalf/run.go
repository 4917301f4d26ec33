package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/driftgate/gateway/internal/auth"
	"github.com/driftgate/gateway/internal/catalog"
	"github.com/driftgate/gateway/internal/circuitbreaker"
	"github.com/driftgate/gateway/internal/collab"
	"github.com/driftgate/gateway/internal/config"
	"github.com/driftgate/gateway/internal/decision"
	"github.com/driftgate/gateway/internal/fallback"
	"github.com/driftgate/gateway/internal/loadbalancer"
	"github.com/driftgate/gateway/internal/proxy"
	"github.com/driftgate/gateway/internal/quota"
	"github.com/driftgate/gateway/internal/ratelimit"
	"github.com/driftgate/gateway/internal/server"
	"github.com/driftgate/gateway/internal/storage/sqlite"
	"github.com/driftgate/gateway/internal/telemetry"
	"github.com/driftgate/gateway/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gandalf", "version", version, "addr", cfg.Server.Addr)

	// Durable audit store (sqlite): provider/route/user bootstrap seeds plus
	// the usage ledger. The live routing/quota hot paths never read it
	// directly -- they read the file-backed catalog and quota snapshots.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	adminKey := cfg.Auth.AdminKey
	if adminKey == "" {
		adminKey = config.GenerateAdminKey()
		slog.Warn("no admin_key configured, generated an ephemeral one for this process",
			"admin_key", adminKey)
	}

	// Provider catalog: file-backed snapshot, atomically swapped on reload.
	cat := catalog.New()
	validation, err := cat.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load catalog %q: %w", cfg.Catalog.Path, err)
	}
	if !validation.IsValid {
		for _, e := range validation.Errors {
			slog.Warn("provider validation error", "provider", e.Provider, "errors", e.Errors)
		}
	}
	slog.Info("catalog loaded", "path", cfg.Catalog.Path, "valid_providers", len(validation.ValidProviders))

	// Quota store: file-backed per-API-key daily/lifetime counters.
	quotaStore := quota.New()
	if err := quotaStore.Load(cfg.Users.Path); err != nil {
		return fmt.Errorf("load users %q: %w", cfg.Users.Path, err)
	}
	slog.Info("quota store loaded", "path", cfg.Users.Path)

	// Shared DNS cache for every upstream HTTP call the proxy engine makes.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Dataplane: load balancer -> decision engine -> fallback handler ->
	// rate limiter / circuit breaker -> proxy engine, wired leaf-first so
	// no package depends on one constructed after it.
	balancer := loadbalancer.New(cfg.LoadBalancerStrategy())
	decisionEngine := decision.New(cat, balancer, cfg.Decision.Weights)
	fallbackHandler := fallback.New(cat, decisionEngine, balancer)
	rateLimiters := ratelimit.NewRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: cfg.CircuitBreaker.ErrorThreshold,
		MinSamples:     cfg.CircuitBreaker.MinSamples,
		WindowSeconds:  cfg.CircuitBreaker.WindowSeconds,
		OpenTimeout:    cfg.CircuitBreaker.OpenTimeout,
	})

	proxyEngine := proxy.New(cat, decisionEngine, balancer, fallbackHandler, rateLimiters, breakers, quotaStore, dnsResolver)
	coordinator := collab.New(proxyEngine)

	apiKeyAuth := auth.New(quotaStore)
	if cfg.Auth.RotationInterval > 0 {
		apiKeyAuth = apiKeyAuth.WithRotationInterval(cfg.Auth.RotationInterval)
	}

	healthCheckLoop := loadbalancer.NewHealthCheckLoop(balancer, cat)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		proxyEngine.WithMetrics(metrics)
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gandalf/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	// Background workers: usage batch writer, hourly rollups, catalog
	// hot-reload poll, and stale rate-limiter eviction. All run under one
	// errgroup-backed Runner so a fatal worker error tears the others down.
	workers := []worker.Worker{
		worker.NewUsageRecorder(store),
		worker.NewUsageRollupWorker(store),
		worker.NewCatalogWatcher(cat),
		worker.NewLimiterJanitor(rateLimiters),
		healthCheckLoop,
	}
	if metrics != nil {
		workers = append(workers, worker.NewMetricsSampler(cat, balancer, breakers, metrics))
	}
	runner := worker.NewRunner(workers...)

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Proxy:          proxyEngine,
		Collab:         coordinator,
		Catalog:        cat,
		Quota:          quotaStore,
		Store:          store,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		AdminKey:       adminKey,
		AllowedOrigins: cfg.Server.AllowedOrigins(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("routing gateway ready",
		"addr", cfg.Server.Addr,
		"strategy", cfg.LoadBalancer.Strategy,
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"POST /v1/images/generations",
			"POST /v1/audio/transcriptions",
			"POST /v1/audio/speech",
			"POST /v1/responses",
			"POST /v1/collaborate",
			"GET  /v1/models",
			"GET  /v1/usage",
		},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Drain in-flight requests before tearing down workers, so any usage
	// still being recorded for a request in flight gets flushed.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if err := quotaStore.Save(); err != nil {
		slog.Error("quota flush on shutdown failed", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gandalf stopped")
	return nil
}

// Package server implements the HTTP transport layer for the routing
// gateway: the chi router, its middleware stack, and the handlers for the
// OpenAI-compatible surface, collaboration modes, usage reporting, health
// checks, and admin key management.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"go.opentelemetry.io/otel/trace"

	"github.com/driftgate/gateway/internal/auth"
	"github.com/driftgate/gateway/internal/catalog"
	"github.com/driftgate/gateway/internal/collab"
	"github.com/driftgate/gateway/internal/proxy"
	"github.com/driftgate/gateway/internal/quota"
	"github.com/driftgate/gateway/internal/storage"
	"github.com/driftgate/gateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds every dependency the HTTP server needs.
type Deps struct {
	Auth           *auth.Gate
	Proxy          *proxy.Engine
	Collab         *collab.Coordinator
	Catalog        *catalog.Catalog
	Quota          *quota.Store
	Store          storage.Store   // not read by any handler
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler    // nil = no /metrics endpoint
	Tracer         trace.Tracer    // nil = no distributed tracing
	ReadyCheck     ReadyChecker    // nil = always ready
	AdminKey       string          // process-wide admin secret, spec.md §6
	AllowedOrigins []string        // nil/empty = no CORS (same-origin only)
}

type server struct {
	deps Deps
}

// New builds the http.Handler for the gateway: chi router, global
// middleware, and every route.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		for _, d := range forwardDescriptors {
			r.Post(d.route, s.forwardHandler(d))
		}
		r.Post("/v1/audio/transcriptions", s.handleAudioTranscription)
		r.Post("/v1/collaborate", s.handleCollaborate)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/usage", s.handleUsage)
	})

	r.Route("/admin/keys", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/", s.handleListKeys)
		r.Post("/", s.handleKeyAction)
	})

	return r
}

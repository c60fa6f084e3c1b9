package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dialops/dialqueue/internal/logging"
	"github.com/dialops/dialqueue/internal/metrics"
	"github.com/dialops/dialqueue/internal/middleware"
)

// RouterConfig carries the handlers and cross-cutting pieces the router
// wires together.
type RouterConfig struct {
	Calls   *CallHandler
	Health  *HealthHandler
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// NewRouter assembles the ingress router: global middleware, probe
// endpoints, the versioned API, and operational endpoints.
func NewRouter(cfg *RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Order matters: correlation first so every later log line carries
	// the request id, recovery before anything that can panic.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery(cfg.Logger.Zap()))
	r.Use(middleware.RequestLogger(cfg.Logger.Zap()))
	r.Use(cfg.Metrics.Middleware)

	cfg.Health.RegisterRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		cfg.Calls.RegisterRoutes(r)
	})

	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	r.Handle("/debug/log-level", cfg.Logger)

	return r
}

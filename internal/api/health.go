package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/shutdown"
)

// HealthChecker reports the liveness of a dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ReadyChecker reports whether the process should receive traffic.
type ReadyChecker interface {
	IsReady() bool
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db      HealthChecker
	probe   ReadyChecker
	logger  *zap.Logger
	timeout time.Duration
	started time.Time
}

// NewHealthHandler creates a health handler. probe may be nil, in which
// case /ready always reports ready.
func NewHealthHandler(db HealthChecker, probe ReadyChecker, logger *zap.Logger) *HealthHandler {
	if probe == nil {
		probe = alwaysReady{}
	}
	return &HealthHandler{
		db:      db,
		probe:   probe,
		logger:  logger,
		timeout: 2 * time.Second,
		started: time.Now().UTC(),
	}
}

type alwaysReady struct{}

func (alwaysReady) IsReady() bool { return true }

var _ ReadyChecker = (*shutdown.ReadinessProbe)(nil)

// RegisterRoutes mounts the probe endpoints on the router.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/live", h.Live)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth is the per-dependency section of HealthResponse.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health handles GET /health: deep check including the database.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:     "healthy",
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: make(map[string]ComponentHealth),
	}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.String("component", "database"), zap.Error(err))
		resp.Status = "unhealthy"
		resp.Components["database"] = ComponentHealth{Status: "unhealthy", Error: err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		resp.Components["database"] = ComponentHealth{Status: "healthy"}
	}

	respondJSON(w, status, resp)
}

// Ready handles GET /ready: flips to 503 once shutdown begins so load
// balancers drain before the listener closes.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.probe.IsReady() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live handles GET /live: process-up check only.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

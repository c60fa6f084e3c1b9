package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/errors"
	"github.com/dialops/dialqueue/internal/middleware"
	"github.com/dialops/dialqueue/internal/service"
)

// CallService is the queue surface the handlers depend on.
type CallService interface {
	Enqueue(ctx context.Context, req *service.EnqueueRequest) (*domain.CallJob, bool, error)
	EnqueueBulk(ctx context.Context, reqs []*service.EnqueueRequest) []service.BulkResult
	GetStatus(ctx context.Context, callID string) (*domain.CallJob, error)
	Metrics(ctx context.Context) (*domain.QueueMetrics, error)
}

// CallHandler serves call submission and status endpoints.
type CallHandler struct {
	service CallService
	logger  *zap.Logger
}

// NewCallHandler creates a call handler.
func NewCallHandler(svc CallService, logger *zap.Logger) *CallHandler {
	return &CallHandler{service: svc, logger: logger}
}

// RegisterRoutes mounts the call endpoints on the router.
func (h *CallHandler) RegisterRoutes(r chi.Router) {
	r.With(middleware.BodySizeLimiter(middleware.MaxJSONBodySize)).Post("/calls", h.Enqueue)
	r.With(middleware.BodySizeLimiter(middleware.MaxBulkBodySize)).Post("/calls/bulk", h.EnqueueBulk)
	r.Get("/calls/{callID}", h.GetCall)
	r.Get("/queue/metrics", h.QueueMetrics)
}

// EnqueueResponse is the response for a single submission.
type EnqueueResponse struct {
	CallID  string            `json:"call_id"`
	Status  domain.CallStatus `json:"status"`
	Created bool              `json:"created"`
}

// Enqueue handles POST /calls.
func (h *CallHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, errors.ValidationFailed("invalid JSON body"))
		return
	}

	job, created, err := h.service.Enqueue(r.Context(), &req)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, EnqueueResponse{CallID: job.ID, Status: job.Status, Created: created})
}

// BulkEnqueueRequest is the payload for POST /calls/bulk.
type BulkEnqueueRequest struct {
	Calls []*service.EnqueueRequest `json:"calls"`
}

// BulkEnqueueResponse reports per-item outcomes.
type BulkEnqueueResponse struct {
	Accepted int                  `json:"accepted"`
	Rejected int                  `json:"rejected"`
	Results  []service.BulkResult `json:"results"`
}

// EnqueueBulk handles POST /calls/bulk. Items succeed or fail
// independently; the response always carries one entry per item.
func (h *CallHandler) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, errors.ValidationFailed("invalid JSON body"))
		return
	}
	if len(req.Calls) == 0 {
		respondError(w, h.logger, errors.ValidationFailed("calls must not be empty"))
		return
	}

	results := h.service.EnqueueBulk(r.Context(), req.Calls)

	resp := BulkEnqueueResponse{Results: results}
	for _, res := range results {
		if res.Error != "" {
			resp.Rejected++
		} else {
			resp.Accepted++
		}
	}

	status := http.StatusCreated
	if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// GetCall handles GET /calls/{callID}.
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		respondError(w, h.logger, errors.MissingField("callID"))
		return
	}

	job, err := h.service.GetStatus(r.Context(), callID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// QueueMetrics handles GET /queue/metrics.
func (h *CallHandler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	qm, err := h.service.Metrics(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, qm)
}

package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/clock"
	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/errors"
	"github.com/dialops/dialqueue/internal/metrics"
	"github.com/dialops/dialqueue/internal/sanitize"
	"github.com/dialops/dialqueue/internal/validation"
)

// QueueService is the ingress-facing surface for enqueueing calls and
// querying job state.
type QueueService struct {
	store   domain.JobStore
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewQueueService creates a queue service.
func NewQueueService(store domain.JobStore, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *QueueService {
	return &QueueService{
		store:   store,
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// EnqueueRequest is one call submission from the backend.
type EnqueueRequest struct {
	ID          string                 `json:"id"`
	PhoneNumber string                 `json:"phone_number"`
	CampaignID  string                 `json:"campaign_id"`
	CallConfig  map[string]interface{} `json:"call_config"`
	Priority    string                 `json:"priority,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	MaxRetries  *int                   `json:"max_retries,omitempty"`
}

// Validate checks the submission contract.
func (r *EnqueueRequest) Validate() error {
	if err := validation.Identifier("id", r.ID); err != nil {
		return err
	}
	if err := validation.PhoneNumber(r.PhoneNumber); err != nil {
		return err
	}
	if strings.TrimSpace(r.CampaignID) == "" {
		return errors.MissingField("campaign_id")
	}
	answerURL, _ := r.CallConfig["answer_url"].(string)
	if err := validation.AnswerURL(answerURL); err != nil {
		return err
	}
	if r.Priority != "" {
		if _, ok := domain.ParsePriority(r.Priority); !ok {
			return errors.ValidationFailed("priority must be one of low, normal, high, urgent")
		}
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.ValidationFailed("max_retries must be non-negative")
	}
	return nil
}

// Enqueue accepts one call job. Re-submission of a known id is a no-op
// returning the current record; created reports whether a new job was
// stored.
func (s *QueueService) Enqueue(ctx context.Context, req *EnqueueRequest) (*domain.CallJob, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	priority, _ := domain.ParsePriority(req.Priority)
	job := domain.NewCallJob(req.ID, req.PhoneNumber, req.CampaignID, req.CallConfig, priority)
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	scheduled := false
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		job.ScheduledAt = &at
		scheduled = at.After(s.clock.Now())
	}
	// A future-scheduled job must never be inserted as pending: a pending
	// row is claimable the instant it commits.
	if scheduled {
		job.Status = domain.CallStatusScheduled
	}

	created, err := s.store.Put(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.store.Get(ctx, req.ID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Debug("duplicate submission ignored",
			zap.String("call_id", req.ID),
			zap.String("status", string(existing.Status)),
		)
		return existing, false, nil
	}

	if scheduled {
		if err := s.store.Schedule(ctx, job.ID, *job.ScheduledAt); err != nil {
			return nil, false, err
		}
	} else {
		if err := s.store.Enqueue(ctx, job.ID); err != nil {
			return nil, false, err
		}
	}

	s.metrics.RecordEnqueue(priority.String())
	s.logger.Info("call job accepted",
		zap.String("call_id", job.ID),
		zap.String("phone_number", sanitize.Phone(job.PhoneNumber)),
		zap.String("campaign_id", job.CampaignID),
		zap.String("priority", priority.String()),
		zap.Bool("scheduled", job.Status == domain.CallStatusScheduled),
	)
	return job, true, nil
}

// BulkResult is the per-item outcome of a bulk submission.
type BulkResult struct {
	CallID  string            `json:"call_id"`
	Status  domain.CallStatus `json:"status,omitempty"`
	Created bool              `json:"created"`
	Error   string            `json:"error,omitempty"`
}

// EnqueueBulk processes each submission independently; partial success
// is valid and reported per item.
func (s *QueueService) EnqueueBulk(ctx context.Context, reqs []*EnqueueRequest) []BulkResult {
	results := make([]BulkResult, 0, len(reqs))
	for _, req := range reqs {
		job, created, err := s.Enqueue(ctx, req)
		if err != nil {
			results = append(results, BulkResult{CallID: req.ID, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{CallID: job.ID, Status: job.Status, Created: created})
	}
	return results
}

// GetStatus returns the full job record.
func (s *QueueService) GetStatus(ctx context.Context, callID string) (*domain.CallJob, error) {
	return s.store.Get(ctx, callID)
}

// Metrics returns a point-in-time queue snapshot.
func (s *QueueService) Metrics(ctx context.Context) (*domain.QueueMetrics, error) {
	return s.store.QueueMetrics(ctx)
}

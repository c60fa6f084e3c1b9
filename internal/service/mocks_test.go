package service

import (
	"context"
	"sync"
	"time"

	"github.com/dialops/dialqueue/internal/agent"
	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/plivo"
	"github.com/dialops/dialqueue/internal/repository"
)

// memStore is an in-memory domain.JobStore with the same invariants as
// the postgres implementation: terminal statuses are never overwritten,
// pop order is priority then FIFO, and retries are bounded.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.CallJob
	pending []string
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.CallJob)}
}

func cloneJob(j *domain.CallJob) *domain.CallJob {
	c := *j
	if j.ScheduledAt != nil {
		at := *j.ScheduledAt
		c.ScheduledAt = &at
	}
	if j.ActiveSince != nil {
		at := *j.ActiveSince
		c.ActiveSince = &at
	}
	c.AttemptLog = append([]domain.Attempt(nil), j.AttemptLog...)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

func (s *memStore) Put(_ context.Context, job *domain.CallJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	// A committed pending row is immediately claimable, exactly as in
	// the postgres store.
	if job.Status == domain.CallStatusPending {
		s.pending = append(s.pending, job.ID)
	}
	return true, nil
}

func (s *memStore) Enqueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.CallStatusPending
	job.ScheduledAt = nil
	job.UpdatedAt = time.Now().UTC()
	for _, p := range s.pending {
		if p == id {
			return nil
		}
	}
	s.pending = append(s.pending, id)
	return nil
}

func (s *memStore) Schedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = domain.CallStatusScheduled
	job.ScheduledAt = &at
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) PopReady(_ context.Context, n int) ([]*domain.CallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var popped []*domain.CallJob
	for prio := domain.PriorityUrgent; prio >= domain.PriorityLow && len(popped) < n; prio-- {
		remaining := s.pending[:0:0]
		for _, id := range s.pending {
			job := s.jobs[id]
			if len(popped) < n && job.Status == domain.CallStatusPending && job.Priority == prio {
				now := time.Now().UTC()
				job.Status = domain.CallStatusDispatching
				job.ActiveSince = &now
				job.UpdatedAt = now
				popped = append(popped, cloneJob(job))
				continue
			}
			remaining = append(remaining, id)
		}
		s.pending = remaining
	}
	return popped, nil
}

func (s *memStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, job := range s.jobs {
		if job.Status == domain.CallStatusScheduled && job.ScheduledAt != nil && !job.ScheduledAt.After(now) {
			job.Status = domain.CallStatusPending
			job.ScheduledAt = nil
			job.UpdatedAt = now
			s.pending = append(s.pending, id)
			count++
		}
	}
	return count, nil
}

func (s *memStore) Get(_ context.Context, id string) (*domain.CallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status domain.CallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return repository.ErrTerminalStatus
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) SetProviderUUID(_ context.Context, id, providerUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.ProviderUUID = providerUUID
	return nil
}

func (s *memStore) AppendAttempt(_ context.Context, id string, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.AttemptLog = append(job.AttemptLog, attempt)
	return nil
}

func (s *memStore) Complete(_ context.Context, id string, status domain.CallStatus, result *domain.CallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return repository.ErrTerminalStatus
	}
	job.Status = status
	r := *result
	job.Result = &r
	job.ActiveSince = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) Reenqueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return repository.ErrTerminalStatus
	}
	if job.RetryCount >= job.MaxRetries {
		return repository.ErrNoRetries
	}
	job.RetryCount++
	job.Status = domain.CallStatusPending
	job.ActiveSince = nil
	job.ProviderUUID = ""
	job.UpdatedAt = time.Now().UTC()
	s.pending = append(s.pending, id)
	return nil
}

func (s *memStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.ActiveSince = nil
	return nil
}

func (s *memStore) ScanActive(_ context.Context) ([]*domain.CallJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*domain.CallJob
	for _, job := range s.jobs {
		if job.ActiveSince != nil {
			active = append(active, cloneJob(job))
		}
	}
	return active, nil
}

func (s *memStore) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.ActiveSince != nil {
			count++
		}
	}
	return count, nil
}

func (s *memStore) RecoverOrphaned(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for id, job := range s.jobs {
		if job.ActiveSince == nil || job.ActiveSince.After(cutoff) {
			continue
		}
		count++
		job.ActiveSince = nil
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = domain.CallStatusPending
			s.pending = append(s.pending, id)
		} else {
			job.Status = domain.CallStatusFailed
		}
	}
	return count, nil
}

func (s *memStore) QueueMetrics(_ context.Context) (*domain.QueueMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm := &domain.QueueMetrics{
		PendingByPriority: make(map[string]int),
		UpdatedAt:         time.Now().UTC(),
	}
	for _, job := range s.jobs {
		switch job.Status {
		case domain.CallStatusPending:
			qm.PendingByPriority[job.Priority.String()]++
			qm.PendingTotal++
		case domain.CallStatusScheduled:
			qm.ScheduledCount++
		case domain.CallStatusCompleted:
			qm.CompletedCount++
		case domain.CallStatusFailed:
			qm.FailedCount++
		case domain.CallStatusMissed:
			qm.MissedCount++
		}
		if job.ActiveSince != nil {
			qm.ActiveCount++
		}
	}
	return qm, nil
}

func (s *memStore) PurgeTerminal(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

// pollStep is one scripted provider status response.
type pollStep struct {
	detail *plivo.CallDetail
	err    error
}

// scriptedProvider replays scripted initiation and poll responses. When
// the poll script runs out, the last step repeats.
type scriptedProvider struct {
	mu           sync.Mutex
	uuid         string
	initiateErrs []error
	polls        []pollStep
	pollIdx      int
	initiations  int
	hangups      []string
}

func (p *scriptedProvider) InitiateCall(_ context.Context, _, _ string) (*plivo.CreateCallResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiations++
	if len(p.initiateErrs) > 0 {
		err := p.initiateErrs[0]
		p.initiateErrs = p.initiateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	uuid := p.uuid
	if uuid == "" {
		uuid = "uuid-1"
	}
	return &plivo.CreateCallResponse{Message: "call fired", RequestUUID: uuid}, nil
}

func (p *scriptedProvider) GetCall(_ context.Context, _ string) (*plivo.CallDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.polls) == 0 {
		return &plivo.CallDetail{CallStatus: "initiated"}, nil
	}
	step := p.polls[p.pollIdx]
	if p.pollIdx < len(p.polls)-1 {
		p.pollIdx++
	}
	return step.detail, step.err
}

func (p *scriptedProvider) Hangup(_ context.Context, uuid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, uuid)
	return nil
}

func (p *scriptedProvider) Initiations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initiations
}

func (p *scriptedProvider) Hangups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hangups)
}

// stubAgent returns a fixed status for every call.
type stubAgent struct {
	mu          sync.Mutex
	status      *agent.CallStatus
	statusErr   error
	registerErr error
	registered  []string
}

func (a *stubAgent) Register(_ context.Context, req *agent.RegisterRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registered = append(a.registered, req.CallID)
	return a.registerErr
}

func (a *stubAgent) Status(_ context.Context, _ string) (*agent.CallStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	if a.status == nil {
		return nil, agent.ErrCallNotFound
	}
	return a.status, nil
}

func (a *stubAgent) Registered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.registered)
}

// recordingSink captures delivered results; the first failN deliveries
// fail with err, and failN < 0 fails every delivery.
type recordingSink struct {
	mu        sync.Mutex
	delivered []*domain.CallResult
	attempts  int
	failN     int
	err       error
}

func (s *recordingSink) Deliver(_ context.Context, result *domain.CallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failN < 0 || (s.failN > 0 && s.attempts <= s.failN) {
		return s.err
	}
	r := *result
	s.delivered = append(s.delivered, &r)
	return nil
}

func (s *recordingSink) Delivered() []*domain.CallResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.CallResult(nil), s.delivered...)
}

func (s *recordingSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

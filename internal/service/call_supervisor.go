// Package service contains the call supervision state machine and the
// dispatcher that feeds it from the persistent queue.
package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/agent"
	"github.com/dialops/dialqueue/internal/clock"
	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/errors"
	"github.com/dialops/dialqueue/internal/metrics"
	"github.com/dialops/dialqueue/internal/plivo"
	"github.com/dialops/dialqueue/internal/ratelimit"
	"github.com/dialops/dialqueue/internal/sanitize"
)

// Provider is the telephony surface the supervisor needs.
type Provider interface {
	InitiateCall(ctx context.Context, to, answerURL string) (*plivo.CreateCallResponse, error)
	GetCall(ctx context.Context, callUUID string) (*plivo.CallDetail, error)
	Hangup(ctx context.Context, callUUID string) error
}

// AgentClient is the voice-agent surface the supervisor needs.
type AgentClient interface {
	Register(ctx context.Context, req *agent.RegisterRequest) error
	Status(ctx context.Context, callID string) (*agent.CallStatus, error)
}

// ResultSink delivers finished results to the backend.
type ResultSink interface {
	Deliver(ctx context.Context, result *domain.CallResult) error
}

// SupervisorConfig holds per-call supervision timings.
type SupervisorConfig struct {
	// InitialStatusDelay is the settling delay before the first provider
	// poll; provider status is meaningless before this window.
	InitialStatusDelay time.Duration

	// StatusCheckInterval is the provider poll interval.
	StatusCheckInterval time.Duration

	// RequestTimeout bounds each HTTP call to provider, agent, and sink.
	RequestTimeout time.Duration

	// MaxStatusRetries is the backoff retry ceiling for call initiation.
	MaxStatusRetries int

	// MaxPollErrors is the number of consecutive failed provider polls
	// tolerated before the provider is declared unreachable.
	MaxPollErrors int

	// StuckCallDeadline bounds how long a call may sit in
	// Dispatching/Ringing before it is written off as missed.
	StuckCallDeadline time.Duration

	// MinConnectedSeconds is the threshold below which a "completed"
	// provider report is reclassified as missed.
	MinConnectedSeconds int

	// SinkAttempts caps delivery attempts for a finished result.
	SinkAttempts int

	// InitiateBackoff and SinkBackoff override retry pacing; nil uses
	// the package defaults. Tests shrink these.
	InitiateBackoff *ratelimit.BackoffConfig
	SinkBackoff     *ratelimit.BackoffConfig
}

// DefaultSupervisorConfig returns production supervision timings.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		InitialStatusDelay:  20 * time.Second,
		StatusCheckInterval: 15 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxStatusRetries:    3,
		MaxPollErrors:       6,
		StuckCallDeadline:   45 * time.Second,
		MinConnectedSeconds: 5,
		SinkAttempts:        5,
	}
}

// CallSupervisor runs the per-call state machine: initiate, observe,
// reconcile, report. One Supervise call owns one job from claim to
// terminal write.
type CallSupervisor struct {
	store    domain.JobStore
	provider Provider
	agent    AgentClient
	sink     ResultSink
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      *SupervisorConfig

	initiateBackoff *ratelimit.Backoff
	sinkBackoff     *ratelimit.Backoff
}

// NewCallSupervisor creates a supervisor.
func NewCallSupervisor(
	store domain.JobStore,
	provider Provider,
	agentClient AgentClient,
	sink ResultSink,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg *SupervisorConfig,
) *CallSupervisor {
	if cfg == nil {
		cfg = DefaultSupervisorConfig()
	}
	// Work on copies so callers keep ownership of their config structs.
	cfgCopy := *cfg
	cfg = &cfgCopy
	if cfg.MaxPollErrors < 1 {
		cfg.MaxPollErrors = 6
	}
	if cfg.SinkAttempts < 1 {
		cfg.SinkAttempts = 5
	}

	var initCfg *ratelimit.BackoffConfig
	if cfg.InitiateBackoff != nil {
		c := *cfg.InitiateBackoff
		initCfg = &c
	} else {
		initCfg = ratelimit.DefaultBackoffConfig()
		initCfg.MaxRetries = cfg.MaxStatusRetries
	}
	var sinkCfg *ratelimit.BackoffConfig
	if cfg.SinkBackoff != nil {
		c := *cfg.SinkBackoff
		sinkCfg = &c
	} else {
		sinkCfg = ratelimit.DefaultBackoffConfig()
	}
	sinkCfg.MaxRetries = cfg.SinkAttempts - 1

	return &CallSupervisor{
		store:           store,
		provider:        provider,
		agent:           agentClient,
		sink:            sink,
		clock:           clk,
		metrics:         m,
		logger:          logger,
		cfg:             cfg,
		initiateBackoff: ratelimit.NewBackoff(initCfg, logger.Named("initiate")),
		sinkBackoff:     ratelimit.NewBackoff(sinkCfg, logger.Named("sink")),
	}
}

// outcome is the supervisor's decision for a finished attempt.
type outcome struct {
	status  domain.CallStatus
	result  *domain.CallResult
	reentry bool
}

// Supervise drives job from Dispatching to a terminal state. It never
// returns an error; every failure mode converges to a terminal write or
// a re-enqueue.
func (s *CallSupervisor) Supervise(ctx context.Context, job *domain.CallJob) {
	logger := s.logger.With(
		zap.String("call_id", job.ID),
		zap.String("phone_number", sanitize.Phone(job.PhoneNumber)),
		zap.Int("retry_count", job.RetryCount),
	)

	out := s.run(ctx, job, logger)

	if out.reentry {
		if err := s.store.Reenqueue(context.Background(), job.ID); err != nil {
			logger.Error("re-enqueue failed, finalizing as failed", zap.Error(err))
			out = s.failedOutcome(job, domain.CauseInternalError, nil)
		} else {
			s.metrics.RecordRetry()
			logger.Info("job re-enqueued after failed attempt")
			return
		}
	}

	s.finish(job, out, logger)
}

// run executes the state machine and returns the attempt's outcome.
func (s *CallSupervisor) run(ctx context.Context, job *domain.CallJob, logger *zap.Logger) outcome {
	answerURL := job.AnswerURL()
	if answerURL == "" {
		logger.Error("job has no answer_url in call config")
		return s.failedOutcome(job, domain.CauseInternalError, nil)
	}

	// Register with the agent before dialing so it can claim the answer
	// webhook. Best effort: the call proceeds on provider data alone
	// when the agent is down.
	s.registerAgent(ctx, job, logger)

	providerUUID, out, done := s.initiate(ctx, job, answerURL, logger)
	if done {
		return out
	}

	return s.observe(ctx, job, providerUUID, logger)
}

func (s *CallSupervisor) registerAgent(ctx context.Context, job *domain.CallJob, logger *zap.Logger) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	err := s.agent.Register(rctx, &agent.RegisterRequest{
		CallID:      job.ID,
		PhoneNumber: job.PhoneNumber,
		CampaignID:  job.CampaignID,
		Config:      job.CallConfig,
	})
	if err != nil {
		logger.Warn("agent registration failed, proceeding without agent", zap.Error(err))
	}
}

// initiate dials through the provider with backoff on transient errors.
// done is true when the attempt already reached a decision.
func (s *CallSupervisor) initiate(ctx context.Context, job *domain.CallJob, answerURL string, logger *zap.Logger) (string, outcome, bool) {
	resp, err := ratelimit.ExecuteWithResult(ctx, s.initiateBackoff, func(ctx context.Context) (*plivo.CreateCallResponse, error) {
		attempt := domain.Attempt{StartedAt: s.clock.Now()}

		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		resp, err := s.provider.InitiateCall(rctx, job.PhoneNumber, answerURL)
		cancel()

		if err != nil {
			attempt.Error = err.Error()
		} else {
			attempt.ProviderUUID = resp.RequestUUID
		}
		if logErr := s.store.AppendAttempt(context.Background(), job.ID, attempt); logErr != nil {
			logger.Warn("failed to append attempt log", zap.Error(logErr))
		}
		return resp, err
	})

	if err != nil {
		if errors.HasCode(err, errors.CodeCircuitOpen) {
			s.metrics.RecordCircuitOpen()
		} else {
			s.metrics.RecordInitiation(false)
		}
		logger.Warn("call initiation failed", zap.Error(err))

		// Permanent provider rejections are final regardless of retry
		// budget; only transient-class failures earn another attempt.
		if !errors.IsPermanent(err) && job.CanRetry() {
			return "", outcome{reentry: true}, true
		}
		return "", s.failedOutcome(job, initiationCause(err), nil), true
	}

	s.metrics.RecordInitiation(true)
	logger.Info("call initiated", zap.String("provider_uuid", resp.RequestUUID))

	if err := s.store.SetProviderUUID(context.Background(), job.ID, resp.RequestUUID); err != nil {
		logger.Warn("failed to record provider uuid", zap.Error(err))
	}
	return resp.RequestUUID, outcome{}, false
}

// observe polls the provider until it reports a terminal state, the
// stuck deadline passes, or the provider becomes unreachable.
func (s *CallSupervisor) observe(ctx context.Context, job *domain.CallJob, providerUUID string, logger *zap.Logger) outcome {
	initiatedAt := s.clock.Now()

	select {
	case <-ctx.Done():
		return s.timeoutOutcome(job, nil)
	case <-s.clock.After(s.cfg.InitialStatusDelay):
	}

	ticker := s.clock.NewTicker(s.cfg.StatusCheckInterval)
	defer ticker.Stop()

	var (
		agentSnap *agent.CallStatus
		lastState = plivo.StateInitiated
		pollErrs  = 0
	)

	for {
		detail, err := s.pollProvider(ctx, providerUUID)
		if err != nil {
			pollErrs++
			logger.Warn("provider status poll failed",
				zap.Int("consecutive_errors", pollErrs),
				zap.Error(err),
			)
			if pollErrs >= s.cfg.MaxPollErrors {
				logger.Error("provider unreachable, falling back to agent data")
				agentSnap = s.pollAgent(ctx, job.ID, agentSnap)
				return s.providerUnreachableOutcome(job, agentSnap)
			}
		} else {
			pollErrs = 0
			state := plivo.MapStatus(detail.State(), detail.DurationSeconds(), detail.HangupCause, s.cfg.MinConnectedSeconds)

			if state.Terminal() {
				agentSnap = s.pollAgent(ctx, job.ID, agentSnap)
				return s.reconcile(job, detail, state, agentSnap, logger)
			}

			// Touch the record on every healthy poll so the sweeper's
			// staleness check never fires for a live supervisor.
			s.recordProgress(job, state, &lastState, logger)
		}

		if lastState != plivo.StateInProgress && s.clock.Since(initiatedAt) > s.cfg.StuckCallDeadline {
			logger.Warn("call stuck before connecting, writing off as missed",
				zap.Duration("elapsed", s.clock.Since(initiatedAt)),
			)
			s.hangup(providerUUID, logger)
			return s.stuckOutcome(job, agentSnap)
		}

		agentSnap = s.pollAgent(ctx, job.ID, agentSnap)

		select {
		case <-ctx.Done():
			s.hangup(providerUUID, logger)
			return s.timeoutOutcome(job, agentSnap)
		case <-ticker.C():
		}
	}
}

func (s *CallSupervisor) pollProvider(ctx context.Context, providerUUID string) (*plivo.CallDetail, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	start := s.clock.Now()
	detail, err := s.provider.GetCall(rctx, providerUUID)
	s.metrics.RecordStatusPoll("provider", err == nil, s.clock.Since(start))
	return detail, err
}

// pollAgent opportunistically refreshes the agent snapshot, keeping the
// previous one when the agent is unreachable. Agent status is never
// authoritative for termination.
func (s *CallSupervisor) pollAgent(ctx context.Context, callID string, prev *agent.CallStatus) *agent.CallStatus {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	start := s.clock.Now()
	snap, err := s.agent.Status(rctx, callID)
	if err != nil {
		// Not-found is expected early in a call's life.
		if !stderrors.Is(err, agent.ErrCallNotFound) {
			s.metrics.RecordStatusPoll("agent", false, s.clock.Since(start))
		}
		return prev
	}
	s.metrics.RecordStatusPoll("agent", true, s.clock.Since(start))
	return snap
}

func (s *CallSupervisor) recordProgress(job *domain.CallJob, state plivo.CallState, lastState *plivo.CallState, logger *zap.Logger) {
	status := liveStatus(state)

	if state != *lastState {
		logger.Info("call state changed",
			zap.String("from", string(*lastState)),
			zap.String("to", string(state)),
		)
		*lastState = state
	}

	if err := s.store.UpdateStatus(context.Background(), job.ID, status); err != nil {
		logger.Warn("failed to record call progress", zap.Error(err))
	}
}

func (s *CallSupervisor) hangup(providerUUID string, logger *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.provider.Hangup(rctx, providerUUID); err != nil {
		logger.Debug("hangup failed, call may already be down", zap.Error(err))
	}
}

// reconcile builds the final result: duration, status, and hangup cause
// from the provider, transcript and recording from the agent.
func (s *CallSupervisor) reconcile(job *domain.CallJob, detail *plivo.CallDetail, state plivo.CallState, agentSnap *agent.CallStatus, logger *zap.Logger) outcome {
	status, callOutcome := terminalMapping(state, detail.State())

	result := &domain.CallResult{
		CallID:          job.ID,
		Status:          status,
		CallOutcome:     callOutcome,
		DurationSeconds: detail.DurationSeconds(),
		HangupCause:     detail.HangupCause,
		DataSource:      domain.SourceProviderPrimary,
		ProviderData: map[string]interface{}{
			"call_uuid":    detail.CallUUID,
			"state":        detail.State(),
			"duration":     detail.DurationSeconds(),
			"hangup_cause": detail.HangupCause,
			"answer_time":  detail.AnswerTime,
			"end_time":     detail.EndTime,
		},
	}
	mergeAgentData(result, agentSnap)

	logger.Info("call reached terminal state",
		zap.String("status", string(status)),
		zap.String("outcome", string(callOutcome)),
		zap.Int("duration_seconds", result.DurationSeconds),
		zap.String("hangup_cause", result.HangupCause),
	)

	// Failed attempts burn a retry; missed and completed calls never
	// redial automatically.
	if callOutcome == domain.OutcomeFailed && job.CanRetry() {
		return outcome{reentry: true}
	}
	return outcome{status: status, result: result}
}

// providerUnreachableOutcome decides the terminal state after the poll
// error budget is exhausted. A terminal agent phase is trusted for the
// outcome; otherwise the failure is synthesized.
func (s *CallSupervisor) providerUnreachableOutcome(job *domain.CallJob, agentSnap *agent.CallStatus) outcome {
	if agentSnap != nil && agentTerminal(agentSnap.Status) {
		// An agent-reported failure is still a failure; it earns a
		// redial when budget remains, never a completed record.
		if agentFailed(agentSnap.Status) {
			if job.CanRetry() {
				return outcome{reentry: true}
			}
			result := &domain.CallResult{
				CallID:          job.ID,
				Status:          domain.CallStatusFailed,
				CallOutcome:     domain.OutcomeFailed,
				DurationSeconds: agentSnap.Duration,
				HangupCause:     agentSnap.Error,
				DataSource:      domain.SourceAgentOnly,
			}
			mergeAgentData(result, agentSnap)
			return outcome{status: domain.CallStatusFailed, result: result}
		}

		result := &domain.CallResult{
			CallID:          job.ID,
			Status:          domain.CallStatusCompleted,
			CallOutcome:     domain.OutcomeCompleted,
			DurationSeconds: agentSnap.Duration,
			DataSource:      domain.SourceAgentOnly,
		}
		mergeAgentData(result, agentSnap)
		return outcome{status: domain.CallStatusCompleted, result: result}
	}

	if job.CanRetry() {
		return outcome{reentry: true}
	}
	return s.failedOutcome(job, domain.CauseAgentUnreachable, agentSnap)
}

func (s *CallSupervisor) failedOutcome(job *domain.CallJob, cause string, agentSnap *agent.CallStatus) outcome {
	result := &domain.CallResult{
		CallID:      job.ID,
		Status:      domain.CallStatusFailed,
		CallOutcome: domain.OutcomeFailed,
		HangupCause: cause,
		DataSource:  domain.SourceSupervisorSynthetic,
	}
	mergeAgentData(result, agentSnap)
	return outcome{status: domain.CallStatusFailed, result: result}
}

func (s *CallSupervisor) stuckOutcome(job *domain.CallJob, agentSnap *agent.CallStatus) outcome {
	result := &domain.CallResult{
		CallID:      job.ID,
		Status:      domain.CallStatusMissed,
		CallOutcome: domain.OutcomeMissed,
		HangupCause: domain.CauseNoAnswerTimeout,
		DataSource:  domain.SourceSupervisorSynthetic,
	}
	mergeAgentData(result, agentSnap)
	return outcome{status: domain.CallStatusMissed, result: result}
}

func (s *CallSupervisor) timeoutOutcome(job *domain.CallJob, agentSnap *agent.CallStatus) outcome {
	result := &domain.CallResult{
		CallID:      job.ID,
		Status:      domain.CallStatusMissed,
		CallOutcome: domain.OutcomeTimeout,
		HangupCause: domain.CauseNoAnswerTimeout,
		DataSource:  domain.SourceSupervisorSynthetic,
	}
	mergeAgentData(result, agentSnap)
	return outcome{status: domain.CallStatusMissed, result: result}
}

// finish delivers the result to the backend and writes the terminal
// record. Delivery failure never loses the result; it is persisted with
// reported_ok=false for operator reconciliation.
func (s *CallSupervisor) finish(job *domain.CallJob, out outcome, logger *zap.Logger) {
	result := out.result

	dctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.SinkAttempts)*s.cfg.RequestTimeout)
	err := s.sinkBackoff.Execute(dctx, func(ctx context.Context) error {
		rctx, rcancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer rcancel()
		return s.sink.Deliver(rctx, result)
	})
	cancel()

	result.ReportedAt = s.clock.Now()
	result.ReportedOK = err == nil
	s.metrics.RecordSinkDelivery(err == nil)
	if err != nil {
		logger.Error("result delivery failed, persisting for reconciliation", zap.Error(err))
	}

	if err := s.store.Complete(context.Background(), job.ID, out.status, result); err != nil {
		logger.Error("terminal write failed", zap.Error(err))
		return
	}
	s.metrics.RecordCompletion(string(out.status), time.Duration(result.DurationSeconds)*time.Second)

	logger.Info("call finished",
		zap.String("status", string(out.status)),
		zap.String("outcome", string(result.CallOutcome)),
		zap.Bool("reported_ok", result.ReportedOK),
	)
}

// liveStatus maps an in-flight provider state to a job status.
func liveStatus(state plivo.CallState) domain.CallStatus {
	switch state {
	case plivo.StateRinging:
		return domain.CallStatusRinging
	case plivo.StateInProgress:
		return domain.CallStatusInProgress
	default:
		return domain.CallStatusDispatching
	}
}

// terminalMapping maps a terminal provider state to the job's terminal
// status and the user-visible outcome. A call the provider reports as
// completed but too short to have connected keeps status Completed with
// the outcome reclassified to Missed.
func terminalMapping(state plivo.CallState, rawState string) (domain.CallStatus, domain.CallOutcome) {
	switch state {
	case plivo.StateCompleted:
		return domain.CallStatusCompleted, domain.OutcomeCompleted
	case plivo.StateBusy:
		return domain.CallStatusMissed, domain.OutcomeBusy
	case plivo.StateMissed:
		switch strings.ToLower(rawState) {
		case "completed":
			return domain.CallStatusCompleted, domain.OutcomeMissed
		case "no-answer", "no_answer":
			return domain.CallStatusMissed, domain.OutcomeNoAnswer
		default:
			return domain.CallStatusMissed, domain.OutcomeMissed
		}
	case plivo.StateRejected:
		return domain.CallStatusFailed, domain.OutcomeRejected
	default:
		return domain.CallStatusFailed, domain.OutcomeFailed
	}
}

// agentTerminal reports whether the agent's phase describes an ended call.
func agentTerminal(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "ended", "finished", "failed":
		return true
	default:
		return false
	}
}

// agentFailed reports whether the agent's terminal phase describes a
// failed call rather than a successful one.
func agentFailed(status string) bool {
	return strings.ToLower(status) == "failed"
}

// initiationCause extracts a hangup cause from an initiation error,
// preferring the provider-supplied message.
func initiationCause(err error) string {
	var apiErr *plivo.APIError
	if stderrors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return domain.CauseAgentUnreachable
}

// mergeAgentData copies transcript, recording, and the raw agent
// snapshot into the result.
func mergeAgentData(result *domain.CallResult, snap *agent.CallStatus) {
	if snap == nil {
		return
	}
	result.Transcript = snap.Transcript
	if snap.PublicRecordingURL != "" {
		result.RecordingURL = snap.PublicRecordingURL
	} else {
		result.RecordingURL = snap.RecordingFile
	}
	result.AgentData = map[string]interface{}{
		"status":           snap.Status,
		"duration":         snap.Duration,
		"recording_status": snap.RecordingStatus,
	}
	if snap.Error != "" {
		result.AgentData["error"] = snap.Error
	}
}

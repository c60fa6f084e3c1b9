package service

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/clock"
	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/metrics"
	"github.com/dialops/dialqueue/internal/ratelimit"
	"github.com/dialops/dialqueue/internal/repository"
)

// Supervisor owns one claimed job until it reaches a terminal state or
// is re-enqueued.
type Supervisor interface {
	Supervise(ctx context.Context, job *domain.CallJob)
}

// DispatcherConfig holds dispatcher and background loop settings.
type DispatcherConfig struct {
	Workers            int
	MaxConcurrentCalls int
	PollInterval       time.Duration
	PromoteInterval    time.Duration
	SweepInterval      time.Duration
	MetricsInterval    time.Duration
	PurgeInterval      time.Duration

	// HardDeadline bounds one supervision end to end; the sweeper
	// force-completes active jobs alive past it.
	HardDeadline time.Duration

	// StuckThreshold is how stale an active job's last update must be
	// before the sweeper considers its supervisor dead.
	StuckThreshold time.Duration

	// RetentionWindow is how long terminal jobs stay queryable.
	RetentionWindow time.Duration
}

// DefaultDispatcherConfig returns production dispatcher settings.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Workers:            10,
		MaxConcurrentCalls: 100,
		PollInterval:       1 * time.Second,
		PromoteInterval:    1 * time.Second,
		SweepInterval:      30 * time.Second,
		MetricsInterval:    30 * time.Second,
		PurgeInterval:      1 * time.Hour,
		HardDeadline:       5 * time.Minute,
		StuckThreshold:     60 * time.Second,
		RetentionWindow:    24 * time.Hour,
	}
}

// Dispatcher pulls ready jobs from the store and hands each to a
// supervisor, gated by the dial-rate limiter and the concurrency
// ceiling. It also runs the scheduled-job promoter, the stuck-call
// sweeper, the terminal retention pass, and the queue gauge refresh.
type Dispatcher struct {
	store      domain.JobStore
	supervisor Supervisor
	sink       ResultSink
	limiter    *ratelimit.Limiter
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        *DispatcherConfig

	// slots strictly bounds concurrently supervised calls.
	slots chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	workerWg sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	store domain.JobStore,
	supervisor Supervisor,
	sink ResultSink,
	limiter *ratelimit.Limiter,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg *DispatcherConfig,
) *Dispatcher {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxConcurrentCalls < 1 {
		cfg.MaxConcurrentCalls = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		store:      store,
		supervisor: supervisor,
		sink:       sink,
		limiter:    limiter,
		clock:      clk,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		slots:      make(chan struct{}, cfg.MaxConcurrentCalls),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
}

// Start recovers orphaned jobs from a previous run, then launches the
// worker pool and background loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return stderrors.New("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("starting dispatcher",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("max_concurrent_calls", d.cfg.MaxConcurrentCalls),
	)

	if n, err := d.store.RecoverOrphaned(ctx, d.cfg.StuckThreshold); err != nil {
		d.logger.Error("orphaned job recovery failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("recovered orphaned jobs", zap.Int("count", n))
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.workerWg.Add(1)
		go d.worker(i)
	}

	d.startLoop(d.cfg.PromoteInterval, d.promoteDue)
	d.startLoop(d.cfg.SweepInterval, d.sweep)
	d.startLoop(d.cfg.PurgeInterval, d.purge)
	d.startLoop(d.cfg.MetricsInterval, d.refreshGauges)

	return nil
}

// Stop stops claiming new jobs and waits for in-flight supervisions,
// bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher")
	close(d.stopCh)
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		d.loopWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out with supervisions in flight")
		return ctx.Err()
	}
}

// worker claims and supervises one job at a time: concurrency slot,
// rate-limit token, pop, supervise, release.
func (d *Dispatcher) worker(id int) {
	defer d.workerWg.Done()

	logger := d.logger.With(zap.Int("worker_id", id))
	logger.Debug("worker started")

	for {
		select {
		case <-d.stopCh:
			logger.Debug("worker stopped")
			return
		case d.slots <- struct{}{}:
		}

		if err := d.limiter.Acquire(d.ctx); err != nil {
			<-d.slots
			logger.Debug("worker stopped while waiting for rate token")
			return
		}

		if !d.claimAndSupervise(logger) {
			// Queue empty; idle before polling again.
			select {
			case <-d.stopCh:
				logger.Debug("worker stopped")
				return
			case <-d.clock.After(d.cfg.PollInterval):
			}
		}
	}
}

// claimAndSupervise pops one ready job and runs its supervisor to
// completion. Returns false when no job was ready.
func (d *Dispatcher) claimAndSupervise(logger *zap.Logger) bool {
	defer func() { <-d.slots }()

	ctx, cancel := repository.WithQueryTimeout(context.Background())
	jobs, err := d.store.PopReady(ctx, 1)
	cancel()
	if err != nil {
		logger.Error("failed to pop ready job", zap.Error(err))
		return false
	}
	if len(jobs) == 0 {
		return false
	}

	job := jobs[0]
	if job.CreatedAt != (time.Time{}) {
		d.metrics.ObserveQueueWait(d.clock.Since(job.CreatedAt))
	}

	// Supervision continues through shutdown to its natural terminal,
	// bounded by the hard deadline.
	sctx, scancel := context.WithTimeout(context.Background(), d.cfg.HardDeadline)
	d.supervisor.Supervise(sctx, job)
	scancel()
	return true
}

// startLoop runs fn on a ticker until the dispatcher stops.
func (d *Dispatcher) startLoop(interval time.Duration, fn func(ctx context.Context)) {
	d.loopWg.Add(1)
	go func() {
		defer d.loopWg.Done()

		ticker := d.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C():
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				fn(ctx)
				cancel()
			}
		}
	}()
}

// promoteDue moves scheduled jobs whose fire time has arrived into the
// pending queue.
func (d *Dispatcher) promoteDue(ctx context.Context) {
	n, err := d.store.PromoteDue(ctx, d.clock.Now())
	if err != nil {
		d.logger.Error("scheduled promotion failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Debug("promoted scheduled jobs", zap.Int("count", n))
	}
}

// sweep force-completes active jobs whose supervisor is presumed dead:
// alive past the hard deadline with a stale last update. This is the
// second line of defense behind the supervisor's own stuck check.
func (d *Dispatcher) sweep(ctx context.Context) {
	jobs, err := d.store.ScanActive(ctx)
	if err != nil {
		d.logger.Error("active scan failed", zap.Error(err))
		return
	}

	now := d.clock.Now()
	for _, job := range jobs {
		if job.ActiveSince == nil {
			continue
		}
		if now.Sub(*job.ActiveSince) <= d.cfg.HardDeadline || now.Sub(job.UpdatedAt) <= d.cfg.StuckThreshold {
			continue
		}

		d.logger.Warn("sweeping stuck call",
			zap.String("call_id", job.ID),
			zap.Duration("active_for", now.Sub(*job.ActiveSince)),
			zap.Duration("last_update", now.Sub(job.UpdatedAt)),
		)
		d.forceComplete(ctx, job)
	}
}

// forceComplete writes a synthetic missed outcome with one best-effort
// sink delivery; the result is never dropped.
func (d *Dispatcher) forceComplete(ctx context.Context, job *domain.CallJob) {
	result := &domain.CallResult{
		CallID:      job.ID,
		Status:      domain.CallStatusMissed,
		CallOutcome: domain.OutcomeMissed,
		HangupCause: domain.CauseNoAnswerTimeout,
		DataSource:  domain.SourceSupervisorSynthetic,
		ReportedAt:  d.clock.Now(),
	}

	err := d.sink.Deliver(ctx, result)
	result.ReportedOK = err == nil
	d.metrics.RecordSinkDelivery(err == nil)
	if err != nil {
		d.logger.Warn("swept result delivery failed",
			zap.String("call_id", job.ID),
			zap.Error(err),
		)
	}

	if err := d.store.Complete(ctx, job.ID, domain.CallStatusMissed, result); err != nil {
		if stderrors.Is(err, repository.ErrTerminalStatus) {
			// The supervisor finished between scan and write.
			return
		}
		d.logger.Error("sweep terminal write failed",
			zap.String("call_id", job.ID),
			zap.Error(err),
		)
		return
	}
	d.metrics.RecordCompletion(string(domain.CallStatusMissed), 0)
}

// purge evicts terminal jobs older than the retention window.
func (d *Dispatcher) purge(ctx context.Context) {
	n, err := d.store.PurgeTerminal(ctx, d.cfg.RetentionWindow)
	if err != nil {
		d.logger.Error("terminal purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("purged terminal jobs", zap.Int("count", n))
	}
}

// refreshGauges publishes queue depths to prometheus.
func (d *Dispatcher) refreshGauges(ctx context.Context) {
	qm, err := d.store.QueueMetrics(ctx)
	if err != nil {
		d.logger.Error("queue metrics refresh failed", zap.Error(err))
		return
	}
	d.metrics.SetQueueDepths(qm.PendingByPriority, qm.ScheduledCount, qm.ActiveCount)
}

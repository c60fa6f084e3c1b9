package domain

import (
	"context"
	"time"
)

// JobStore is the single authoritative store for call jobs. All queue
// structures (priority queues, scheduled index, active set) live behind
// this interface; implementations must make every listed operation
// individually atomic and durable before returning.
type JobStore interface {
	// Put inserts the job, or leaves an existing record untouched.
	// Returns true when a new record was created.
	Put(ctx context.Context, job *CallJob) (created bool, err error)

	// Enqueue makes a pending job visible to workers in its priority queue.
	Enqueue(ctx context.Context, id string) error

	// Schedule holds the job until at; it is invisible to PopReady before then.
	Schedule(ctx context.Context, id string, at time.Time) error

	// PopReady atomically claims up to n ready jobs, highest priority
	// first and FIFO within a priority, moving them into the active set
	// as Dispatching. Callers must not pop past the concurrency ceiling.
	PopReady(ctx context.Context, n int) ([]*CallJob, error)

	// PromoteDue moves scheduled jobs whose fire time has arrived back to
	// Pending. Returns the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// Get returns the full job record or ErrNotFound.
	Get(ctx context.Context, id string) (*CallJob, error)

	// UpdateStatus records a non-terminal status observation. Writes that
	// would overwrite a terminal status fail with ErrTerminalStatus.
	UpdateStatus(ctx context.Context, id string, status CallStatus) error

	// SetProviderUUID records the provider id of the current attempt.
	SetProviderUUID(ctx context.Context, id, providerUUID string) error

	// AppendAttempt appends one initiation attempt to the attempt log.
	AppendAttempt(ctx context.Context, id string, attempt Attempt) error

	// Complete writes the terminal status and result and releases the job
	// from the active set in one atomic step.
	Complete(ctx context.Context, id string, status CallStatus, result *CallResult) error

	// Reenqueue returns a failed attempt to the pending queue, bumping
	// retry_count. Fails when no retries remain or the job is terminal.
	Reenqueue(ctx context.Context, id string) error

	// Release removes the job from the active set without a terminal write.
	Release(ctx context.Context, id string) error

	// ScanActive returns all jobs currently owned by a supervisor.
	ScanActive(ctx context.Context) ([]*CallJob, error)

	// CountActive returns the size of the active set.
	CountActive(ctx context.Context) (int, error)

	// RecoverOrphaned re-enqueues (or fails) active jobs whose supervisor
	// died before olderThan ago; used once at startup.
	RecoverOrphaned(ctx context.Context, olderThan time.Duration) (int, error)

	// QueueMetrics reports queue depths for the ingress metrics endpoint.
	QueueMetrics(ctx context.Context) (*QueueMetrics, error)

	// PurgeTerminal evicts terminal jobs older than the retention window.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)
}

// QueueMetrics is a point-in-time snapshot of queue state.
type QueueMetrics struct {
	PendingByPriority map[string]int `json:"pending_by_priority"`
	PendingTotal      int            `json:"pending_total"`
	ScheduledCount    int            `json:"scheduled_count"`
	ActiveCount       int            `json:"active_count"`
	CompletedCount    int            `json:"completed_count"`
	FailedCount       int            `json:"failed_count"`
	MissedCount       int            `json:"missed_count"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

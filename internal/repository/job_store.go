// Package repository provides the PostgreSQL-backed job store. All queue
// structures (priority ordering, scheduled index, active set) are columns
// and partial indexes on a single call_jobs table, so every state change
// is one atomic statement.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/database"
	"github.com/dialops/dialqueue/internal/domain"
)

// jobColumns is the canonical select list for call_jobs.
const jobColumns = `
	id, phone_number, campaign_id, call_config, priority, status,
	scheduled_at, active_since, max_retries, retry_count, provider_uuid,
	attempt_log, result, created_at, updated_at`

// terminalStatuses guards every write against overwriting a final status.
const terminalStatuses = `('completed', 'failed', 'missed', 'cancelled')`

// JobStore implements domain.JobStore using PostgreSQL.
type JobStore struct {
	db     *database.DB
	logger *zap.Logger
}

// NewJobStore creates a JobStore.
func NewJobStore(db *database.DB, logger *zap.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// Put inserts the job, leaving any existing record untouched.
func (s *JobStore) Put(ctx context.Context, job *domain.CallJob) (bool, error) {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	configJSON, err := json.Marshal(job.CallConfig)
	if err != nil {
		return false, fmt.Errorf("failed to marshal call_config: %w", err)
	}
	attemptsJSON, err := json.Marshal(job.AttemptLog)
	if err != nil {
		return false, fmt.Errorf("failed to marshal attempt_log: %w", err)
	}

	query := `
		INSERT INTO call_jobs (
			id, phone_number, campaign_id, call_config, priority, status,
			scheduled_at, max_retries, retry_count, attempt_log,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.db.Pool.Exec(ctx, query,
		job.ID,
		job.PhoneNumber,
		job.CampaignID,
		configJSON,
		int(job.Priority),
		string(job.Status),
		job.ScheduledAt,
		job.MaxRetries,
		job.RetryCount,
		attemptsJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert call job: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Enqueue makes a pending or scheduled job visible to workers.
func (s *JobStore) Enqueue(ctx context.Context, id string) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			status = 'pending',
			queued_at = NOW(),
			scheduled_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled')`

	tag, err := s.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to enqueue call job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// Schedule holds the job until at.
func (s *JobStore) Schedule(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			status = 'scheduled',
			scheduled_at = $2,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled')`

	tag, err := s.db.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to schedule call job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// PopReady claims up to n ready jobs, highest priority first and FIFO
// within a priority. SKIP LOCKED keeps concurrent poppers from claiming
// the same rows.
func (s *JobStore) PopReady(ctx context.Context, n int) ([]*domain.CallJob, error) {
	if n <= 0 {
		return nil, nil
	}

	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			status = 'dispatching',
			active_since = NOW(),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM call_jobs
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			ORDER BY priority DESC, queued_at ASC NULLS LAST
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + jobColumns

	rows, err := s.db.Pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to pop ready jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// PromoteDue moves scheduled jobs whose fire time has arrived to pending.
func (s *JobStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			status = 'pending',
			queued_at = NOW(),
			updated_at = NOW()
		WHERE status = 'scheduled' AND scheduled_at <= $1`

	tag, err := s.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to promote scheduled jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get retrieves the full job record.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.CallJob, error) {
	ctx, cancel := WithQueryTimeout(ctx)
	defer cancel()

	query := `SELECT` + jobColumns + ` FROM call_jobs WHERE id = $1`

	rows, err := s.db.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query call job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// UpdateStatus records a non-terminal status observation.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, status domain.CallStatus) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			status = $2,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.db.Pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// SetProviderUUID records the provider id of the current attempt.
func (s *JobStore) SetProviderUUID(ctx context.Context, id, providerUUID string) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			provider_uuid = $2,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.db.Pool.Exec(ctx, query, id, providerUUID)
	if err != nil {
		return fmt.Errorf("failed to set provider uuid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAttempt appends one initiation attempt to the attempt log.
func (s *JobStore) AppendAttempt(ctx context.Context, id string, attempt domain.Attempt) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	attemptJSON, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	query := `
		UPDATE call_jobs SET
			attempt_log = attempt_log || $2::jsonb,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.db.Pool.Exec(ctx, query, id, attemptJSON)
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete writes the terminal status and result and releases the job
// from the active set in one statement.
func (s *JobStore) Complete(ctx context.Context, id string, status domain.CallStatus, result *domain.CallResult) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete called with non-terminal status %q", status)
	}

	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE call_jobs SET
			status = $2,
			result = $3,
			active_since = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.db.Pool.Exec(ctx, query, id, string(status), resultJSON)
	if err != nil {
		return fmt.Errorf("failed to complete call job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// Reenqueue returns a failed attempt to the pending queue.
func (s *JobStore) Reenqueue(ctx context.Context, id string) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			status = 'pending',
			retry_count = retry_count + 1,
			provider_uuid = '',
			active_since = NULL,
			queued_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ` + terminalStatuses + `
		  AND retry_count < max_retries`

	tag, err := s.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reenqueue call job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyReenqueueMiss(ctx, id)
	}
	return nil
}

// Release removes the job from the active set without a terminal write.
func (s *JobStore) Release(ctx context.Context, id string) error {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	query := `
		UPDATE call_jobs SET
			active_since = NULL,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to release call job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanActive returns all jobs currently owned by a supervisor.
func (s *JobStore) ScanActive(ctx context.Context) ([]*domain.CallJob, error) {
	ctx, cancel := WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT` + jobColumns + `
		FROM call_jobs
		WHERE active_since IS NOT NULL
		ORDER BY active_since ASC`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountActive returns the size of the active set.
func (s *JobStore) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := WithQueryTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM call_jobs WHERE active_since IS NOT NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// RecoverOrphaned handles active jobs whose supervisor died: jobs with
// retries remaining go back to pending, the rest are failed. Used once
// at startup, before workers begin popping.
func (s *JobStore) RecoverOrphaned(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, cancel := WithTransactionTimeout(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-olderThan)
	var recovered int

	err := s.db.TxManager.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		requeued, err := tx.Exec(ctx, `
			UPDATE call_jobs SET
				status = 'pending',
				retry_count = retry_count + 1,
				provider_uuid = '',
				active_since = NULL,
				queued_at = NOW(),
				updated_at = NOW()
			WHERE active_since < $1
			  AND status NOT IN `+terminalStatuses+`
			  AND retry_count < max_retries`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to requeue orphaned jobs: %w", err)
		}

		failed, err := tx.Exec(ctx, `
			UPDATE call_jobs SET
				status = 'failed',
				active_since = NULL,
				updated_at = NOW()
			WHERE active_since < $1
			  AND status NOT IN `+terminalStatuses, cutoff)
		if err != nil {
			return fmt.Errorf("failed to fail orphaned jobs: %w", err)
		}

		recovered = int(requeued.RowsAffected() + failed.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		s.logger.Info("recovered orphaned jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

// QueueMetrics reports queue depths from a single consistent snapshot.
func (s *JobStore) QueueMetrics(ctx context.Context) (*domain.QueueMetrics, error) {
	ctx, cancel := WithTransactionTimeout(ctx)
	defer cancel()

	metrics := &domain.QueueMetrics{
		PendingByPriority: make(map[string]int),
		UpdatedAt:         time.Now().UTC(),
	}

	err := s.db.TxManager.WithReadOnlyTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT status, COUNT(*)
			FROM call_jobs
			GROUP BY status`)
		if err != nil {
			return fmt.Errorf("failed to count jobs by status: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan status count: %w", err)
			}
			switch domain.CallStatus(status) {
			case domain.CallStatusPending:
				metrics.PendingTotal = count
			case domain.CallStatusScheduled:
				metrics.ScheduledCount = count
			case domain.CallStatusCompleted:
				metrics.CompletedCount = count
			case domain.CallStatusFailed:
				metrics.FailedCount = count
			case domain.CallStatusMissed:
				metrics.MissedCount = count
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating status counts: %w", err)
		}
		rows.Close()

		rows, err = tx.Query(ctx, `
			SELECT priority, COUNT(*)
			FROM call_jobs
			WHERE status = 'pending'
			GROUP BY priority`)
		if err != nil {
			return fmt.Errorf("failed to count pending by priority: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var priority, count int
			if err := rows.Scan(&priority, &count); err != nil {
				return fmt.Errorf("failed to scan priority count: %w", err)
			}
			metrics.PendingByPriority[domain.CallPriority(priority).String()] = count
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating priority counts: %w", err)
		}

		return tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM call_jobs WHERE active_since IS NOT NULL`,
		).Scan(&metrics.ActiveCount)
	})
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

// PurgeTerminal evicts terminal jobs older than the retention window.
func (s *JobStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, cancel := WithWriteTimeout(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-olderThan)

	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM call_jobs
		WHERE status IN `+terminalStatuses+` AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}

	purged := int(tag.RowsAffected())
	if purged > 0 {
		s.logger.Info("purged terminal jobs", zap.Int("count", purged))
	}
	return purged, nil
}

// classifyMiss decides why a guarded update matched no rows.
func (s *JobStore) classifyMiss(ctx context.Context, id string) error {
	var status string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT status FROM call_jobs WHERE id = $1`, id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to inspect call job: %w", err)
	}
	if domain.CallStatus(status).IsTerminal() {
		return ErrTerminalStatus
	}
	return ErrNotFound
}

// classifyReenqueueMiss additionally distinguishes an exhausted retry budget.
func (s *JobStore) classifyReenqueueMiss(ctx context.Context, id string) error {
	var status string
	var retryCount, maxRetries int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT status, retry_count, max_retries FROM call_jobs WHERE id = $1`, id,
	).Scan(&status, &retryCount, &maxRetries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to inspect call job: %w", err)
	}
	if domain.CallStatus(status).IsTerminal() {
		return ErrTerminalStatus
	}
	if retryCount >= maxRetries {
		return ErrNoRetries
	}
	return ErrNotFound
}

// scanJobs reads call job rows into domain objects.
func scanJobs(rows pgx.Rows) ([]*domain.CallJob, error) {
	var jobs []*domain.CallJob
	for rows.Next() {
		job := &domain.CallJob{}
		var priority int
		var status string
		var configJSON, attemptsJSON, resultJSON []byte

		err := rows.Scan(
			&job.ID,
			&job.PhoneNumber,
			&job.CampaignID,
			&configJSON,
			&priority,
			&status,
			&job.ScheduledAt,
			&job.ActiveSince,
			&job.MaxRetries,
			&job.RetryCount,
			&job.ProviderUUID,
			&attemptsJSON,
			&resultJSON,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call job row: %w", err)
		}

		job.Priority = domain.CallPriority(priority)
		job.Status = domain.CallStatus(status)

		if len(configJSON) > 0 && string(configJSON) != "null" {
			if err := json.Unmarshal(configJSON, &job.CallConfig); err != nil {
				return nil, fmt.Errorf("failed to unmarshal call_config: %w", err)
			}
		}
		if len(attemptsJSON) > 0 && string(attemptsJSON) != "null" {
			if err := json.Unmarshal(attemptsJSON, &job.AttemptLog); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attempt_log: %w", err)
			}
		}
		if len(resultJSON) > 0 && string(resultJSON) != "null" {
			job.Result = &domain.CallResult{}
			if err := json.Unmarshal(resultJSON, job.Result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call job rows: %w", err)
	}

	return jobs, nil
}

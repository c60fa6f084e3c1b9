package ratelimit

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/errors"
)

// BackoffConfig configures exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the first delay duration
	InitialDelay time.Duration

	// MaxDelay is the maximum delay duration
	MaxDelay time.Duration

	// Multiplier is the factor to multiply delay by after each retry
	Multiplier float64

	// MaxRetries is the maximum number of retry attempts (0 = unlimited)
	MaxRetries int

	// Jitter adds randomness to delays to prevent thundering herd
	Jitter float64 // 0.0 to 1.0, e.g., 0.2 = +/- 20%
}

// DefaultBackoffConfig returns the defaults used for provider requests.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   3,
		Jitter:       0.2,
	}
}

// Backoff errors.
var (
	ErrMaxRetriesExhausted = stderrors.New("maximum retries exhausted")
	ErrNotRetryable        = stderrors.New("error is not retryable")
	ErrContextCanceled     = stderrors.New("context canceled during backoff")
)

// BackoffStats tracks retry statistics.
type BackoffStats struct {
	TotalAttempts     int64         `json:"total_attempts"`
	TotalRetries      int64         `json:"total_retries"`
	SuccessfulRetries int64         `json:"successful_retries"`
	ExhaustedRetries  int64         `json:"exhausted_retries"`
	TotalDelayTime    time.Duration `json:"total_delay_time"`
}

// Backoff provides exponential backoff retry logic. Permanent errors
// abort immediately; only transient failures are retried.
type Backoff struct {
	config *BackoffConfig
	logger *zap.Logger

	mu    sync.RWMutex
	stats BackoffStats
}

// NewBackoff creates a Backoff instance.
func NewBackoff(config *BackoffConfig, logger *zap.Logger) *Backoff {
	if config == nil {
		config = DefaultBackoffConfig()
	}
	return &Backoff{
		config: config,
		logger: logger,
	}
}

// Operation is a function that can be retried.
type Operation func(ctx context.Context) error

// OperationWithResult is a function that returns a result and can be retried.
type OperationWithResult[T any] func(ctx context.Context) (T, error)

// Execute runs op with exponential backoff retry logic.
func (b *Backoff) Execute(ctx context.Context, op Operation) error {
	_, err := ExecuteWithResult(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ExecuteWithResult runs an operation that returns a result with retry logic.
func ExecuteWithResult[T any](ctx context.Context, b *Backoff, op OperationWithResult[T]) (T, error) {
	var result T

	for attempt := 0; ; attempt++ {
		b.mu.Lock()
		b.stats.TotalAttempts++
		b.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: %v", ErrContextCanceled, err)
		}

		var err error
		result, err = op(ctx)
		if err == nil {
			if attempt > 0 {
				b.mu.Lock()
				b.stats.SuccessfulRetries++
				b.mu.Unlock()

				b.logger.Info("operation succeeded after retry",
					zap.Int("attempts", attempt+1),
				)
			}
			return result, nil
		}

		if !b.shouldRetry(err, attempt) {
			b.mu.Lock()
			b.stats.ExhaustedRetries++
			b.mu.Unlock()

			if b.config.MaxRetries > 0 && attempt >= b.config.MaxRetries {
				return result, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExhausted, attempt+1, err)
			}
			return result, fmt.Errorf("%w: %w", ErrNotRetryable, err)
		}

		delay := b.calculateDelay(attempt)

		b.mu.Lock()
		b.stats.TotalRetries++
		b.stats.TotalDelayTime += delay
		b.mu.Unlock()

		b.logger.Warn("operation failed, retrying with backoff",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return result, fmt.Errorf("%w: %v", ErrContextCanceled, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (b *Backoff) shouldRetry(err error, attempt int) bool {
	if b.config.MaxRetries > 0 && attempt >= b.config.MaxRetries {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.IsTransient(err)
}

// calculateDelay computes the jittered exponential delay for attempt.
func (b *Backoff) calculateDelay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(attempt))

	if b.config.Jitter > 0 {
		jitterRange := delay * b.config.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Stats returns current backoff statistics.
func (b *Backoff) Stats() BackoffStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

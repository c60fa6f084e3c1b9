package ratelimit

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/errors"
)

func testBackoff(maxRetries int) *Backoff {
	return NewBackoff(&BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   maxRetries,
		Jitter:       0,
	}, zap.NewNop())
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	b := testBackoff(3)
	calls := 0

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	b := testBackoff(3)
	calls := 0

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.TransientHTTP("plivo.Initiate", 503, "unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	stats := b.Stats()
	if stats.TotalRetries != 2 {
		t.Errorf("expected 2 retries recorded, got %d", stats.TotalRetries)
	}
	if stats.SuccessfulRetries != 1 {
		t.Errorf("expected 1 successful retry, got %d", stats.SuccessfulRetries)
	}
}

func TestExecuteStopsOnPermanent(t *testing.T) {
	b := testBackoff(3)
	calls := 0

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.PermanentHTTP("plivo.Initiate", 400, "bad number")
	})
	if !stderrors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not be retried, got %d calls", calls)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	b := testBackoff(2)
	calls := 0

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.TransientHTTP("plivo.Initiate", 503, "unavailable")
	})
	if !stderrors.Is(err, ErrMaxRetriesExhausted) {
		t.Fatalf("expected ErrMaxRetriesExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected initial try plus 2 retries, got %d calls", calls)
	}
}

func TestExecuteRespectsContext(t *testing.T) {
	b := testBackoff(0) // unlimited
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := b.Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.TransientHTTP("plivo.Initiate", 503, "unavailable")
	})
	if !stderrors.Is(err, ErrContextCanceled) {
		t.Fatalf("expected ErrContextCanceled, got %v", err)
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := testBackoff(3)
	calls := 0

	got, err := ExecuteWithResult(context.Background(), b, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.TransientHTTP("agent.Status", 502, "bad gateway")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected result ok, got %q", got)
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	b := NewBackoff(&BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}, zap.NewNop())

	if d := b.calculateDelay(0); d != time.Second {
		t.Errorf("attempt 0: expected 1s, got %s", d)
	}
	if d := b.calculateDelay(2); d != 4*time.Second {
		t.Errorf("attempt 2: expected 4s, got %s", d)
	}
	if d := b.calculateDelay(10); d != 30*time.Second {
		t.Errorf("attempt 10: expected cap at 30s, got %s", d)
	}
}

func TestLimiterAcquire(t *testing.T) {
	l := NewLimiter(100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
}

func TestLimiterBlocksWhenExhausted(t *testing.T) {
	l := NewLimiter(1)

	// Drain the bucket.
	if !l.Allow() {
		t.Fatal("first token should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	if err == nil && time.Since(start) < time.Millisecond {
		t.Error("expected acquire to block once the bucket is empty")
	}
}

package repository

import (
	"context"
	"errors"
	"time"
)

// Common repository errors.
var (
	ErrNotFound = errors.New("record not found")

	// ErrTerminalStatus is returned when a write would overwrite a
	// terminal status. Terminal records are immutable.
	ErrTerminalStatus = errors.New("job is in a terminal status")

	// ErrNoRetries is returned by Reenqueue when the retry budget is spent.
	ErrNoRetries = errors.New("no retries remaining")
)

// Default query timeouts.
const (
	// DefaultQueryTimeout is the default timeout for simple queries (SELECT by ID, etc.)
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout is the timeout for write operations (INSERT, UPDATE, DELETE).
	DefaultWriteTimeout = 10 * time.Second

	// DefaultTransactionTimeout is the timeout for multi-statement transactions.
	DefaultTransactionTimeout = 30 * time.Second
)

// WithQueryTimeout returns a context with the default query timeout.
func WithQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, DefaultQueryTimeout)
}

// WithWriteTimeout returns a context with the default write timeout.
func WithWriteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, DefaultWriteTimeout)
}

// WithTransactionTimeout returns a context with the default transaction timeout.
func WithTransactionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, DefaultTransactionTimeout)
}

// withTimeout adds a timeout to a context, respecting existing deadlines.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining < timeout {
			// Context deadline is sooner, use it
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, timeout)
}

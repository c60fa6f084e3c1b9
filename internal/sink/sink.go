// Package sink delivers finished call results to the backend. The
// backend ingestion endpoint accepts a JSON array, so single results
// are wrapped in a one-element batch.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/errors"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 15 * time.Second

// Sink posts call results to the backend ingestion endpoint.
type Sink struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds configuration for the sink.
type Config struct {
	URL     string
	Timeout time.Duration
}

// New creates a Sink.
func New(cfg *Config, logger *zap.Logger) *Sink {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sink{
		url: cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Deliver posts one result. Delivery failure never affects the stored
// terminal record; the caller persists reported_ok for later inspection.
func (s *Sink) Deliver(ctx context.Context, result *domain.CallResult) error {
	return s.DeliverBatch(ctx, []*domain.CallResult{result})
}

// DeliverBatch posts a batch of results as a JSON array.
func (s *Sink) DeliverBatch(ctx context.Context, results []*domain.CallResult) error {
	if len(results) == 0 {
		return nil
	}

	body, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sink.Deliver", errors.CodeSinkFailed, "backend unreachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return errors.New(errors.CodeSinkFailed,
			fmt.Sprintf("backend returned HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		// A backend rejection will not succeed on retry; the result is
		// persisted with reported_ok=false instead.
		return errors.PermanentHTTP("sink.Deliver", resp.StatusCode, "backend rejected results")
	}

	s.logger.Debug("results delivered to backend",
		zap.Int("count", len(results)),
	)
	return nil
}

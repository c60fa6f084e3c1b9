// Package plivo provides a client for the Plivo voice API covering the
// operations the dispatch engine needs: initiating outbound calls,
// querying call state, and hanging up stuck calls.
package plivo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/errors"
)

const (
	// DefaultBaseURL is the default Plivo API endpoint.
	DefaultBaseURL = "https://api.plivo.com/v1"

	// DefaultTimeout is the default HTTP client timeout.
	DefaultTimeout = 30 * time.Second
)

// Client is the Plivo API client.
type Client struct {
	authID     string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *zap.Logger
}

// Config holds configuration for the Plivo client.
type Config struct {
	AuthID     string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// New creates a Plivo API client. Repeated failures open a circuit
// breaker so a provider outage fails fast instead of tying up workers.
func New(cfg *Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "plivo-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Only transient failures trip the breaker. A rejected
			// number is the caller's problem, not an outage.
			return err == nil || !errors.IsTransient(err)
		},
	})

	return &Client{
		authID:     cfg.AuthID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
		logger:  logger,
	}
}

// APIError represents an error response from the Plivo API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plivo API error (status %d): %s", e.StatusCode, e.Message)
}

// request performs an HTTP request through the circuit breaker and
// decodes the response into result when it is non-nil.
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	respBody, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doRequest(ctx, method, path, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.Wrap(err, "plivo.request", errors.CodeCircuitOpen, "provider circuit open")
		}
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.authID, c.authToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("plivo API request",
		zap.String("method", method),
		zap.String("path", path),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "plivo.doRequest", errors.CodeProviderTransient, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("plivo API response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_length", len(respBody)),
	)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var parsed APIError
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
		}
		return nil, errors.Wrap(apiErr, "plivo.doRequest",
			errors.ClassifyHTTP("plivo", resp.StatusCode, apiErr.Message).Code,
			fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	return respBody, nil
}

// BreakerState returns the circuit breaker state for monitoring.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

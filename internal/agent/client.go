// Package agent provides the client for the voice agent server. The
// agent handles the conversation once a call is answered and exposes
// per-call status with transcript and recording data.
package agent

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
const DefaultTimeout = 10 * time.Second

// ErrCallNotFound is returned when the agent no longer tracks the call,
// which usually means it already ended.
var ErrCallNotFound = errors.New(errors.CodeNotFound, "call not found on agent server")

// Client talks to the voice agent server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds configuration for the agent client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates an agent client.
func New(cfg *Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// RegisterRequest announces an initiated call to the agent server so it
// can associate the inbound answer webhook with our call id.
type RegisterRequest struct {
	CallID       string                 `json:"call_id"`
	PhoneNumber  string                 `json:"phone_number"`
	CampaignID   string                 `json:"campaign_id"`
	Config       map[string]interface{} `json:"config,omitempty"`
	ProviderUUID string                 `json:"plivo_call_uuid,omitempty"`
}

// CallStatus is the agent's view of a call.
type CallStatus struct {
	CallID             string                   `json:"call_id"`
	Status             string                   `json:"status"`
	Duration           int                      `json:"duration"`
	Transcript         []domain.TranscriptEntry `json:"transcript,omitempty"`
	RecordingFile      string                   `json:"recording_file,omitempty"`
	PublicRecordingURL string                   `json:"public_recording_url,omitempty"`
	RecordingStatus    string                   `json:"recording_status,omitempty"`
	Error              string                   `json:"error,omitempty"`
}

// Register announces the call. Failures are reported but non-fatal; the
// call proceeds on provider data alone when the agent is unreachable.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start-call", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "agent.Register", errors.CodeAgentUnavailable, "agent server unreachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.CodeAgentUnavailable,
			fmt.Sprintf("agent register returned HTTP %d", resp.StatusCode))
	}

	c.logger.Debug("call registered with agent server",
		zap.String("call_id", req.CallID),
		zap.String("provider_uuid", req.ProviderUUID),
	)
	return nil
}

// Status fetches the agent's view of the call. Returns ErrCallNotFound
// when the agent no longer tracks it.
func (c *Client) Status(ctx context.Context, callID string) (*CallStatus, error) {
	url := fmt.Sprintf("%s/call-status/%s", c.baseURL, callID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "agent.Status", errors.CodeAgentUnavailable, "agent server unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var status CallStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, fmt.Errorf("failed to decode status response: %w", err)
		}
		return &status, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrCallNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.New(errors.CodeAgentUnavailable,
			fmt.Sprintf("agent status returned HTTP %d", resp.StatusCode))
	}
}

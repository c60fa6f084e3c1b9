package plivo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreateCallRequest holds the parameters for an outbound call.
type CreateCallRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	AnswerURL    string `json:"answer_url"`
	AnswerMethod string `json:"answer_method"`
	HangupURL    string `json:"hangup_url,omitempty"`
	HangupMethod string `json:"hangup_method,omitempty"`
}

// CreateCallResponse is the Plivo response to a call creation.
type CreateCallResponse struct {
	Message     string   `json:"message"`
	RequestUUID string   `json:"request_uuid"`
	APIIDs      []string `json:"api_id,omitempty"`
}

// CallDetail is the state of a single call as reported by Plivo.
// Live calls report call_status; ended calls report call_state plus
// duration and hangup cause.
type CallDetail struct {
	CallUUID      string      `json:"call_uuid"`
	CallState     string      `json:"call_state"`
	CallStatus    string      `json:"call_status"`
	Duration      json.Number `json:"call_duration"`
	HangupCause   string      `json:"hangup_cause_name"`
	AnswerTime    string      `json:"answer_time"`
	EndTime       string      `json:"end_time"`
	CallDirection string      `json:"call_direction"`
}

// State returns whichever of call_state and call_status is populated.
func (d *CallDetail) State() string {
	if d.CallState != "" {
		return d.CallState
	}
	return d.CallStatus
}

// DurationSeconds returns the call duration, 0 when absent or malformed.
func (d *CallDetail) DurationSeconds() int {
	n, err := d.Duration.Int64()
	if err != nil {
		return 0
	}
	return int(n)
}

// InitiateCall starts an outbound call to the given number. The answer
// URL connects the answered call to the voice agent.
func (c *Client) InitiateCall(ctx context.Context, to, answerURL string) (*CreateCallResponse, error) {
	req := &CreateCallRequest{
		From:         c.fromNumber,
		To:           to,
		AnswerURL:    answerURL,
		AnswerMethod: "POST",
		HangupURL:    answerURL,
		HangupMethod: "POST",
	}

	var resp CreateCallResponse
	path := fmt.Sprintf("/Account/%s/Call/", c.authID)
	if err := c.request(ctx, "POST", path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCall fetches current state for a call by its provider UUID.
func (c *Client) GetCall(ctx context.Context, callUUID string) (*CallDetail, error) {
	var detail CallDetail
	path := fmt.Sprintf("/Account/%s/Call/%s/", c.authID, callUUID)
	if err := c.request(ctx, "GET", path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Hangup terminates a live call.
func (c *Client) Hangup(ctx context.Context, callUUID string) error {
	path := fmt.Sprintf("/Account/%s/Call/%s/", c.authID, callUUID)
	return c.request(ctx, "DELETE", path, nil, nil)
}

// CallState is the engine's view of a provider call status.
type CallState string

const (
	StateInitiated  CallState = "initiated"
	StateRinging    CallState = "ringing"
	StateInProgress CallState = "in_progress"
	StateCompleted  CallState = "completed"
	StateFailed     CallState = "failed"
	StateBusy       CallState = "busy"
	StateMissed     CallState = "missed"
	StateRejected   CallState = "rejected"
	StateUnknown    CallState = "unknown"
)

// Terminal reports whether the state describes an ended call.
func (s CallState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateBusy, StateMissed, StateRejected:
		return true
	default:
		return false
	}
}

// MapStatus normalizes a raw Plivo call state. Completed calls shorter
// than minConnected seconds never reached a conversation and are
// reclassified from the hangup cause; without a clearer cause they
// count as missed.
func MapStatus(plivoState string, duration int, hangupCause string, minConnected int) CallState {
	state := strings.ToLower(plivoState)
	cause := strings.ToLower(hangupCause)

	switch state {
	case "queued", "initiated":
		return StateInitiated
	case "ringing":
		return StateRinging
	case "in-progress", "answered":
		return StateInProgress
	case "completed":
		if duration < minConnected {
			switch {
			case strings.Contains(cause, "no_answer") || strings.Contains(cause, "no-answer"):
				return StateMissed
			case strings.Contains(cause, "busy"):
				return StateBusy
			case strings.Contains(cause, "rejected"):
				return StateRejected
			default:
				return StateMissed
			}
		}
		return StateCompleted
	case "failed":
		return StateFailed
	case "busy":
		return StateBusy
	case "no-answer", "no_answer":
		return StateMissed
	case "rejected":
		return StateRejected
	default:
		return StateUnknown
	}
}

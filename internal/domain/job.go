// Package domain contains the core entities of the call dispatch engine.
package domain

import (
	"time"
)

// CallStatus represents the lifecycle state of a call job.
type CallStatus string

const (
	CallStatusPending     CallStatus = "pending"
	CallStatusScheduled   CallStatus = "scheduled"
	CallStatusDispatching CallStatus = "dispatching"
	CallStatusRinging     CallStatus = "ringing"
	CallStatusInProgress  CallStatus = "in_progress"
	CallStatusCompleted   CallStatus = "completed"
	CallStatusFailed      CallStatus = "failed"
	CallStatusMissed      CallStatus = "missed"
	CallStatusCancelled   CallStatus = "cancelled"
)

// IsTerminal returns true for statuses that are never overwritten.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusMissed, CallStatusCancelled:
		return true
	default:
		return false
	}
}

// CallPriority orders jobs across queues. Higher dispatches first.
type CallPriority int

const (
	PriorityLow    CallPriority = 1
	PriorityNormal CallPriority = 2
	PriorityHigh   CallPriority = 3
	PriorityUrgent CallPriority = 4
)

// Valid reports whether the priority is one of the defined levels.
func (p CallPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p CallPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority converts a wire string to a CallPriority.
// Empty input defaults to normal.
func ParsePriority(s string) (CallPriority, bool) {
	switch s {
	case "", "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	default:
		return PriorityNormal, false
	}
}

// DefaultMaxRetries is applied when an enqueue request omits max_retries.
const DefaultMaxRetries = 3

// CallJob is the engine's record of one outbound call, keyed by the
// backend's call id for end-to-end tracking.
type CallJob struct {
	ID          string                 `json:"id"`
	PhoneNumber string                 `json:"phone_number"`
	CampaignID  string                 `json:"campaign_id"`
	CallConfig  map[string]interface{} `json:"call_config,omitempty"`

	Priority    CallPriority `json:"priority"`
	Status      CallStatus   `json:"status"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`

	// ProviderUUID is the telephony provider's id for the most recent attempt.
	ProviderUUID string `json:"provider_uuid,omitempty"`

	AttemptLog []Attempt   `json:"attempt_log,omitempty"`
	Result     *CallResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ActiveSince is set while a supervisor owns the job, nil otherwise.
	ActiveSince *time.Time `json:"active_since,omitempty"`
}

// Attempt is one initiation attempt against the telephony provider.
type Attempt struct {
	ProviderUUID string     `json:"provider_uuid,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	Status       CallStatus `json:"status,omitempty"`
	HangupCause  string     `json:"hangup_cause,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewCallJob creates a job in its initial state. Scheduling and queue
// placement are decided by the store, not here.
func NewCallJob(id, phoneNumber, campaignID string, cfg map[string]interface{}, priority CallPriority) *CallJob {
	now := time.Now().UTC()
	if !priority.Valid() {
		priority = PriorityNormal
	}
	return &CallJob{
		ID:          id,
		PhoneNumber: phoneNumber,
		CampaignID:  campaignID,
		CallConfig:  cfg,
		Priority:    priority,
		Status:      CallStatusPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal returns true once the job reached a final status.
func (j *CallJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// CanRetry reports whether a failed attempt may be re-enqueued.
func (j *CallJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// AnswerURL returns the provider answer webhook carried in call_config.
func (j *CallJob) AnswerURL() string {
	if j.CallConfig == nil {
		return ""
	}
	if v, ok := j.CallConfig["answer_url"].(string); ok {
		return v
	}
	return ""
}

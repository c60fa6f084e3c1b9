package domain

import (
	"time"
)

// CallOutcome is the user-visible disposition of a finished call.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeBusy      CallOutcome = "busy"
	OutcomeNoAnswer  CallOutcome = "no_answer"
	OutcomeRejected  CallOutcome = "rejected"
	OutcomeTimeout   CallOutcome = "timeout"
)

// DataSource identifies which system produced the terminal outcome.
type DataSource string

const (
	SourceProviderPrimary     DataSource = "provider_primary"
	SourceAgentOnly           DataSource = "agent_only"
	SourceSupervisorSynthetic DataSource = "supervisor_synthetic"
)

// Synthetic hangup causes produced without provider confirmation.
const (
	CauseNoAnswerTimeout  = "no_answer_timeout"
	CauseAgentUnreachable = "agent_unreachable"
	CauseInternalError    = "internal_error"
)

// TranscriptEntry is a single message of the agent conversation.
type TranscriptEntry struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// CallResult is the consolidated outcome reported to the backend,
// produced exactly once per job at terminal transition.
type CallResult struct {
	CallID          string      `json:"call_id"`
	Status          CallStatus  `json:"status"`
	CallOutcome     CallOutcome `json:"call_outcome"`
	DurationSeconds int         `json:"duration_seconds"`
	HangupCause     string      `json:"hangup_cause,omitempty"`

	Transcript   []TranscriptEntry `json:"transcript,omitempty"`
	RecordingURL string            `json:"recording_url,omitempty"`

	// ProviderData and AgentData are raw status snapshots kept for operators.
	ProviderData map[string]interface{} `json:"provider_data,omitempty"`
	AgentData    map[string]interface{} `json:"agent_data,omitempty"`

	DataSource DataSource `json:"data_source"`
	ReportedAt time.Time  `json:"reported_at"`
	ReportedOK bool       `json:"reported_ok"`
}

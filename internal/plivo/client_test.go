package plivo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/errors"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := New(&Config{
		AuthID:     "MA_TEST",
		AuthToken:  "secret",
		FromNumber: "+15550100",
		BaseURL:    srv.URL,
	}, zap.NewNop())
	return client, srv
}

func TestInitiateCall(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq CreateCallRequest

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, _, _ := r.BasicAuth()
		gotAuth = user
		json.NewDecoder(r.Body).Decode(&gotReq)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateCallResponse{
			Message:     "call fired",
			RequestUUID: "uuid-123",
		})
	}))

	resp, err := client.InitiateCall(context.Background(), "+15550001", "https://agent.example.com/outbound-answer")
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}
	if resp.RequestUUID != "uuid-123" {
		t.Errorf("unexpected request uuid: %s", resp.RequestUUID)
	}
	if gotPath != "/Account/MA_TEST/Call/" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotAuth != "MA_TEST" {
		t.Errorf("expected basic auth id MA_TEST, got %s", gotAuth)
	}
	if gotReq.From != "+15550100" || gotReq.To != "+15550001" {
		t.Errorf("unexpected numbers: from=%s to=%s", gotReq.From, gotReq.To)
	}
	if gotReq.AnswerMethod != "POST" {
		t.Errorf("expected POST answer method, got %s", gotReq.AnswerMethod)
	}
}

func TestInitiateCallClassifiesErrors(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := client.InitiateCall(context.Background(), "+15550001", "https://agent.example.com/answer")
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := errors.IsTransient(err); got != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, got, tt.transient)
		}
	}
}

func TestGetCall(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Account/MA_TEST/Call/uuid-123/" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"call_uuid":         "uuid-123",
			"call_state":        "completed",
			"call_duration":     42,
			"hangup_cause_name": "Normal Hangup",
		})
	}))

	detail, err := client.GetCall(context.Background(), "uuid-123")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if detail.State() != "completed" {
		t.Errorf("unexpected state: %s", detail.State())
	}
	if detail.DurationSeconds() != 42 {
		t.Errorf("unexpected duration: %d", detail.DurationSeconds())
	}
}

func TestHangup(t *testing.T) {
	var gotMethod string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.Hangup(context.Background(), "uuid-123"); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("expected DELETE, got %s", gotMethod)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for i := 0; i < 5; i++ {
		client.GetCall(context.Background(), "uuid-123")
	}

	_, err := client.GetCall(context.Background(), "uuid-123")
	if err == nil {
		t.Fatal("expected error once circuit is open")
	}
	if !errors.IsTransient(err) {
		t.Errorf("circuit-open error should be transient, got %v", err)
	}
	if client.BreakerState().String() != "open" {
		t.Errorf("expected open breaker, got %s", client.BreakerState())
	}
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid number"}`))
	}))

	for i := 0; i < 10; i++ {
		client.GetCall(context.Background(), "uuid-123")
	}

	if client.BreakerState().String() != "closed" {
		t.Errorf("breaker should stay closed on permanent errors, got %s", client.BreakerState())
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		name     string
		state    string
		duration int
		cause    string
		want     CallState
	}{
		{"queued", "queued", 0, "", StateInitiated},
		{"ringing", "ringing", 0, "", StateRinging},
		{"answered", "answered", 10, "", StateInProgress},
		{"normal completion", "completed", 30, "Normal Hangup", StateCompleted},
		{"short call defaults to missed", "completed", 2, "", StateMissed},
		{"short call busy cause", "completed", 1, "Busy Line", StateBusy},
		{"short call rejected cause", "completed", 1, "Call Rejected", StateRejected},
		{"short call no answer", "completed", 3, "No_Answer", StateMissed},
		{"exactly threshold completes", "completed", 5, "", StateCompleted},
		{"failed", "failed", 0, "", StateFailed},
		{"busy", "busy", 0, "", StateBusy},
		{"no-answer", "no-answer", 0, "", StateMissed},
		{"rejected", "rejected", 0, "", StateRejected},
		{"unknown", "garbled", 0, "", StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapStatus(tt.state, tt.duration, tt.cause, 5); got != tt.want {
				t.Errorf("MapStatus(%q, %d, %q) = %s, want %s", tt.state, tt.duration, tt.cause, got, tt.want)
			}
		})
	}
}

func TestCallStateTerminal(t *testing.T) {
	for _, s := range []CallState{StateCompleted, StateFailed, StateBusy, StateMissed, StateRejected} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []CallState{StateInitiated, StateRinging, StateInProgress, StateUnknown} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

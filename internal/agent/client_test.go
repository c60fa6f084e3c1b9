package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/errors"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(&Config{BaseURL: srv.URL}, zap.NewNop())
}

func TestRegister(t *testing.T) {
	var gotPath string
	var gotReq RegisterRequest

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusOK)
	}))

	err := client.Register(context.Background(), &RegisterRequest{
		CallID:       "call-1",
		PhoneNumber:  "+15550001",
		CampaignID:   "camp-1",
		ProviderUUID: "uuid-123",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if gotPath != "/start-call" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotReq.CallID != "call-1" || gotReq.ProviderUUID != "uuid-123" {
		t.Errorf("unexpected request: %+v", gotReq)
	}
}

func TestRegisterUnavailable(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := client.Register(context.Background(), &RegisterRequest{CallID: "call-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsTransient(err) {
		t.Errorf("agent unavailability should be transient, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call-status/call-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"call_id":  "call-1",
			"status":   "in_progress",
			"duration": 12,
			"transcript": []map[string]string{
				{"role": "assistant", "content": "hello"},
			},
		})
	}))

	status, err := client.Status(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != "in_progress" {
		t.Errorf("unexpected status: %s", status.Status)
	}
	if status.Duration != 12 {
		t.Errorf("unexpected duration: %d", status.Duration)
	}
	if len(status.Transcript) != 1 || status.Transcript[0].Content != "hello" {
		t.Errorf("unexpected transcript: %+v", status.Transcript)
	}
}

func TestStatusNotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.Status(context.Background(), "call-1")
	if err != ErrCallNotFound {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

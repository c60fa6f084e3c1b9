package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/domain"
	"github.com/dialops/dialqueue/internal/errors"
	"github.com/dialops/dialqueue/internal/repository"
	"github.com/dialops/dialqueue/internal/service"
)

// stubCallService implements CallService over an in-memory map with
// the same idempotency contract as the real queue service.
type stubCallService struct {
	jobs       map[string]*domain.CallJob
	metricsErr error
}

func newStubCallService() *stubCallService {
	return &stubCallService{jobs: make(map[string]*domain.CallJob)}
}

func (s *stubCallService) Enqueue(_ context.Context, req *service.EnqueueRequest) (*domain.CallJob, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	if existing, ok := s.jobs[req.ID]; ok {
		return existing, false, nil
	}
	priority, _ := domain.ParsePriority(req.Priority)
	job := domain.NewCallJob(req.ID, req.PhoneNumber, req.CampaignID, req.CallConfig, priority)
	s.jobs[req.ID] = job
	return job, true, nil
}

func (s *stubCallService) EnqueueBulk(ctx context.Context, reqs []*service.EnqueueRequest) []service.BulkResult {
	results := make([]service.BulkResult, 0, len(reqs))
	for _, req := range reqs {
		job, created, err := s.Enqueue(ctx, req)
		if err != nil {
			results = append(results, service.BulkResult{CallID: req.ID, Error: err.Error()})
			continue
		}
		results = append(results, service.BulkResult{CallID: job.ID, Status: job.Status, Created: created})
	}
	return results
}

func (s *stubCallService) GetStatus(_ context.Context, callID string) (*domain.CallJob, error) {
	job, ok := s.jobs[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (s *stubCallService) Metrics(context.Context) (*domain.QueueMetrics, error) {
	if s.metricsErr != nil {
		return nil, s.metricsErr
	}
	return &domain.QueueMetrics{
		PendingByPriority: map[string]int{"normal": len(s.jobs)},
		PendingTotal:      len(s.jobs),
	}, nil
}

func newCallRouter(svc CallService) chi.Router {
	r := chi.NewRouter()
	NewCallHandler(svc, zap.NewNop()).RegisterRoutes(r)
	return r
}

func enqueueBody(id string) string {
	return `{"id":"` + id + `","phone_number":"+15550001","campaign_id":"camp-1",` +
		`"call_config":{"answer_url":"https://agent.example/answer"}}`
}

func TestEnqueueEndpointCreates(t *testing.T) {
	r := newCallRouter(newStubCallService())

	req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(enqueueBody("C1")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, expected 201, body %s", rec.Code, rec.Body.String())
	}
	var resp EnqueueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CallID != "C1" || !resp.Created {
		t.Errorf("response = %+v", resp)
	}
}

func TestEnqueueEndpointDuplicateReturns200(t *testing.T) {
	svc := newStubCallService()
	r := newCallRouter(svc)

	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(enqueueBody("C2")))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("submission %d: status = %d, expected %d", i+1, rec.Code, want)
		}
	}

	var resp EnqueueResponse
	req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(enqueueBody("C2")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Created {
		t.Error("duplicate must report created=false")
	}
}

func TestEnqueueEndpointRejectsBadPayload(t *testing.T) {
	r := newCallRouter(newStubCallService())

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"id":`},
		{"missing phone", `{"id":"C3","campaign_id":"camp-1","call_config":{"answer_url":"https://a"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, expected 400", rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Code == "" {
				t.Error("error responses must carry a code")
			}
		})
	}
}

func TestEnqueueEndpointRejectsOversizedBody(t *testing.T) {
	r := newCallRouter(newStubCallService())

	big := bytes.Repeat([]byte("x"), 2<<20)
	req := httptest.NewRequest(http.MethodPost, "/calls", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, expected 413", rec.Code)
	}
}

func TestBulkEndpointPartialSuccess(t *testing.T) {
	r := newCallRouter(newStubCallService())

	body := `{"calls":[` + enqueueBody("B1") + `,{"id":""},` + enqueueBody("B2") + `]}`
	req := httptest.NewRequest(http.MethodPost, "/calls/bulk", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, expected 207, body %s", rec.Code, rec.Body.String())
	}
	var resp BulkEnqueueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 || resp.Rejected != 1 {
		t.Errorf("accepted=%d rejected=%d, expected 2/1", resp.Accepted, resp.Rejected)
	}
	if len(resp.Results) != 3 {
		t.Errorf("results = %d, expected one per item", len(resp.Results))
	}
}

func TestBulkEndpointAllAcceptedReturns201(t *testing.T) {
	r := newCallRouter(newStubCallService())

	body := `{"calls":[` + enqueueBody("B3") + `]}`
	req := httptest.NewRequest(http.MethodPost, "/calls/bulk", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, expected 201", rec.Code)
	}
}

func TestBulkEndpointRejectsEmptyList(t *testing.T) {
	r := newCallRouter(newStubCallService())

	req := httptest.NewRequest(http.MethodPost, "/calls/bulk", strings.NewReader(`{"calls":[]}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, expected 400", rec.Code)
	}
}

func TestGetCallEndpoint(t *testing.T) {
	svc := newStubCallService()
	r := newCallRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(enqueueBody("G1")))
	r.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/G1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", rec.Code)
	}
	var job domain.CallJob
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != "G1" || job.PhoneNumber != "+15550001" {
		t.Errorf("job = %+v", job)
	}
}

func TestGetCallEndpointNotFound(t *testing.T) {
	r := newCallRouter(newStubCallService())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, expected 404", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Code != string(errors.CodeNotFound) {
		t.Errorf("code = %q, expected %q", resp.Code, errors.CodeNotFound)
	}
}

func TestQueueMetricsEndpoint(t *testing.T) {
	svc := newStubCallService()
	r := newCallRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(enqueueBody("M1")))
	r.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", rec.Code)
	}
	var qm domain.QueueMetrics
	if err := json.NewDecoder(rec.Body).Decode(&qm); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if qm.PendingTotal != 1 {
		t.Errorf("pending total = %d, expected 1", qm.PendingTotal)
	}
}

func TestQueueMetricsEndpointStoreFailure(t *testing.T) {
	svc := newStubCallService()
	svc.metricsErr = errors.New(errors.CodeDatabase, "pool exhausted")
	r := newCallRouter(svc)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue/metrics", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, expected 500", rec.Code)
	}
}

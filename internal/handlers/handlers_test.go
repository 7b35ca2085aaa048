package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/middleware"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

// fakeService is an in-memory Service.
type fakeService struct {
	mu        sync.Mutex
	jobs      map[string]job.Job
	records   map[string][]extract.Record
	pools     map[string]browser.PoolStatus
	submitted []job.Request
	submitErr error
	lastLimit int
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs:    make(map[string]job.Job),
		records: make(map[string][]extract.Record),
		pools: map[string]browser.PoolStatus{
			"twitter": {Platform: "twitter", MaxSize: 3, Total: 1, Idle: 1},
		},
	}
}

func (f *fakeService) Submit(ctx context.Context, req job.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("job-%d", len(f.submitted))
	f.jobs[id] = job.Job{ID: id, Platform: req.Platform, Target: req.Target, Status: job.StatusCreated, CreatedAt: time.Now()}
	return id, nil
}

func (f *fakeService) Cancel(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeService) Status(ctx context.Context, jobID string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return j, nil
}

func (f *fakeService) Running() []job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]job.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeService) Records(ctx context.Context, jobID string, limit int) ([]extract.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	recs := f.records[jobID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (f *fakeService) PoolStatus(platform string) (browser.PoolStatus, error) {
	st, ok := f.pools[platform]
	if !ok {
		return browser.PoolStatus{}, fmt.Errorf("%w: %s", types.ErrUnknownPlatform, platform)
	}
	return st, nil
}

func (f *fakeService) PoolStatuses() []browser.PoolStatus {
	out := make([]browser.PoolStatus, 0, len(f.pools))
	for _, st := range f.pools {
		out = append(out, st)
	}
	return out
}

func newTestRouter(svc Service, cfg *config.Config) http.Handler {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewRouter(New(svc), cfg, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal error response: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	svc := newFakeService()
	svc.jobs["a"] = job.Job{ID: "a"}
	w := do(t, newTestRouter(svc, nil), "GET", "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Expected status 'ok', got %q", resp.Status)
	}
	if resp.RunningJobs != 1 {
		t.Errorf("RunningJobs = %d, want 1", resp.RunningJobs)
	}
	if resp.Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestSubmitJob(t *testing.T) {
	svc := newFakeService()
	body := `{"platform":" Twitter ","target":"@golang","options":{"targetCount":20}}`
	w := do(t, newTestRouter(svc, nil), "POST", "/v1/jobs", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp types.SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", resp.JobID)
	}
	if len(svc.submitted) != 1 {
		t.Fatalf("Expected 1 submission, got %d", len(svc.submitted))
	}
	got := svc.submitted[0]
	if got.Platform != "twitter" || got.Target != "@golang" || got.Options.TargetCount != 20 {
		t.Errorf("Submitted request = %+v", got)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"platform":`},
		{"unknown field", `{"platform":"twitter","target":"x","cmd":"request.get"}`},
		{"missing platform", `{"target":"x"}`},
		{"missing target", `{"platform":"twitter"}`},
		{"negative count", `{"platform":"twitter","target":"x","options":{"targetCount":-1}}`},
		{"timeout too large", `{"platform":"twitter","target":"x","options":{"timeoutSeconds":99999}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			w := do(t, newTestRouter(svc, nil), "POST", "/v1/jobs", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
			if resp := decodeError(t, w); resp.Status != "error" {
				t.Errorf("Expected error status, got %q", resp.Status)
			}
			if len(svc.submitted) != 0 {
				t.Error("Invalid request reached the service")
			}
		})
	}
}

func TestSubmitJobServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrCapacityExceeded, http.StatusTooManyRequests},
		{fmt.Errorf("%w: myspace", types.ErrUnknownPlatform), http.StatusBadRequest},
		{types.ErrInvalidTarget, http.StatusBadRequest},
		{types.ErrManagerClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := newFakeService()
			svc.submitErr = tt.err
			w := do(t, newTestRouter(svc, nil), "POST", "/v1/jobs", `{"platform":"twitter","target":"golang"}`)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = errors.New("password=hunter2")
	w := do(t, newTestRouter(svc, nil), "POST", "/v1/jobs", `{"platform":"twitter","target":"golang"}`)

	if strings.Contains(w.Body.String(), "hunter2") {
		t.Error("Internal error detail leaked into response")
	}
}

func TestGetJob(t *testing.T) {
	svc := newFakeService()
	svc.jobs["abc"] = job.Job{ID: "abc", Platform: "youtube", Status: job.StatusRunning}
	router := newTestRouter(svc, nil)

	w := do(t, router, "GET", "/v1/jobs/abc", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var j job.Job
	if err := json.Unmarshal(w.Body.Bytes(), &j); err != nil {
		t.Fatalf("Failed to unmarshal job: %v", err)
	}
	if j.ID != "abc" || j.Status != job.StatusRunning {
		t.Errorf("job = %+v", j)
	}

	if w := do(t, router, "GET", "/v1/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	svc := newFakeService()
	svc.jobs["a"] = job.Job{ID: "a"}
	svc.jobs["b"] = job.Job{ID: "b"}

	w := do(t, newTestRouter(svc, nil), "GET", "/v1/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var jobs []job.Job
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("Failed to unmarshal jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}
}

func TestCancelJob(t *testing.T) {
	svc := newFakeService()
	svc.jobs["abc"] = job.Job{ID: "abc"}
	router := newTestRouter(svc, nil)

	w := do(t, router, "POST", "/v1/jobs/abc/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp types.CancelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !resp.Cancelled || resp.JobID != "abc" {
		t.Errorf("response = %+v", resp)
	}

	if w := do(t, router, "POST", "/v1/jobs/abc/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second cancel, got %d", w.Code)
	}
}

func TestJobRecords(t *testing.T) {
	svc := newFakeService()
	svc.jobs["abc"] = job.Job{ID: "abc"}
	for i := 0; i < 5; i++ {
		svc.records["abc"] = append(svc.records["abc"], extract.Record{ID: fmt.Sprint(i), Platform: "twitter"})
	}
	router := newTestRouter(svc, nil)

	w := do(t, router, "GET", "/v1/jobs/abc/records?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var recs []extract.Record
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("Failed to unmarshal records: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len(records) = %d, want 2", len(recs))
	}

	do(t, router, "GET", "/v1/jobs/abc/records?limit=999999", "")
	if svc.lastLimit != maxRecordsLimit {
		t.Errorf("limit = %d, want capped at %d", svc.lastLimit, maxRecordsLimit)
	}

	do(t, router, "GET", "/v1/jobs/abc/records", "")
	if svc.lastLimit != defaultRecordsLimit {
		t.Errorf("limit = %d, want default %d", svc.lastLimit, defaultRecordsLimit)
	}

	if w := do(t, router, "GET", "/v1/jobs/abc/records?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/v1/jobs/nope/records", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", w.Code)
	}
}

func TestJobRecordsEmptyIsArray(t *testing.T) {
	svc := newFakeService()
	svc.jobs["abc"] = job.Job{ID: "abc"}

	w := do(t, newTestRouter(svc, nil), "GET", "/v1/jobs/abc/records", "")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestPools(t *testing.T) {
	svc := newFakeService()
	router := newTestRouter(svc, nil)

	w := do(t, router, "GET", "/v1/pools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var all []browser.PoolStatus
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatalf("Failed to unmarshal pools: %v", err)
	}
	if len(all) != 1 || all[0].Platform != "twitter" {
		t.Errorf("pools = %+v", all)
	}

	w = do(t, router, "GET", "/v1/pools/twitter", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var st browser.PoolStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("Failed to unmarshal pool: %v", err)
	}
	if st.MaxSize != 3 {
		t.Errorf("MaxSize = %d, want 3", st.MaxSize)
	}

	if w := do(t, router, "GET", "/v1/pools/myspace", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown platform, got %d", w.Code)
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	router := newTestRouter(newFakeService(), nil)

	w := do(t, router, "GET", "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Message != "Not found" {
		t.Errorf("Message = %q", resp.Message)
	}

	w = do(t, router, "DELETE", "/v1/jobs", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestRouterRequiresAPIKey(t *testing.T) {
	cfg := &config.Config{APIKeyEnabled: true, APIKey: "s3cret"}
	router := newTestRouter(newFakeService(), cfg)

	if w := do(t, router, "GET", "/v1/jobs", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("Expected health to bypass the key, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}
}

func TestRouterRateLimits(t *testing.T) {
	limiter := middleware.NewRateLimiter(1, false)
	defer limiter.Close()
	router := NewRouter(New(newFakeService()), &config.Config{}, limiter)

	if w := do(t, router, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/health", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestManagerSatisfiesService(t *testing.T) {
	var _ Service = (*job.Manager)(nil)
}

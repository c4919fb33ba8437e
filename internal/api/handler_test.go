package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vnmchuo/llm-taskd/internal/archive"
	"github.com/vnmchuo/llm-taskd/internal/dispatcher"
	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
	"github.com/vnmchuo/llm-taskd/internal/task"
	"github.com/vnmchuo/llm-taskd/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Mock Service
type mockService struct {
	submitFunc     func(ctx context.Context, prompt string) (*task.Task, error)
	statusFunc     func(ctx context.Context, id string) (*task.Task, error)
	cancelFunc     func(ctx context.Context, id string) error
	listRecentFunc func(ctx context.Context) (*dispatcher.QueueSnapshot, error)
	statsFunc      func(ctx context.Context) (map[task.Status]int64, error)
	healthFunc     func(ctx context.Context) error
}

func (m *mockService) Submit(ctx context.Context, prompt string) (*task.Task, error) {
	if m.submitFunc != nil {
		return m.submitFunc(ctx, prompt)
	}
	return &task.Task{ID: "task-1", Status: task.StatusPending, Prompt: prompt}, nil
}

func (m *mockService) Status(ctx context.Context, id string) (*task.Task, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx, id)
	}
	return &task.Task{ID: id, Status: task.StatusPending}, nil
}

func (m *mockService) Cancel(ctx context.Context, id string) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, id)
	}
	return nil
}

func (m *mockService) ListRecent(ctx context.Context) (*dispatcher.QueueSnapshot, error) {
	if m.listRecentFunc != nil {
		return m.listRecentFunc(ctx)
	}
	return &dispatcher.QueueSnapshot{Active: []string{}, Scheduled: []string{}, Reserved: []string{}}, nil
}

func (m *mockService) Stats(ctx context.Context) (map[task.Status]int64, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx)
	}
	return map[task.Status]int64{}, nil
}

func (m *mockService) Health(ctx context.Context) error {
	if m.healthFunc != nil {
		return m.healthFunc(ctx)
	}
	return nil
}

// Mock Archive Store
type mockArchiveStore struct {
	recentFunc func(ctx context.Context, limit int) ([]*archive.Record, error)
}

func (m *mockArchiveStore) Log(ctx context.Context, rec *archive.Record) error {
	return nil
}

func (m *mockArchiveStore) Recent(ctx context.Context, limit int) ([]*archive.Record, error) {
	if m.recentFunc != nil {
		return m.recentFunc(ctx, limit)
	}
	return nil, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Test Suite
func setupTest(svc *mockService, history archive.Store, limiterAllowed bool) http.Handler {
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(svc, history, limiter, logger).Routes()
}

func TestHandleIndex(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["service"] != "llm-taskd" {
		t.Errorf("Expected service llm-taskd, got %v", resp["service"])
	}
	endpoints := resp["endpoints"].(map[string]interface{})
	if endpoints["submit"] != "POST /submit" {
		t.Errorf("Expected submit endpoint in banner, got %v", endpoints["submit"])
	}
}

func TestHandleSubmit_Created(t *testing.T) {
	var gotPrompt string
	svc := &mockService{
		submitFunc: func(ctx context.Context, prompt string) (*task.Task, error) {
			gotPrompt = prompt
			return &task.Task{ID: "task-1", Status: task.StatusPending, Prompt: prompt}, nil
		},
	}
	r := setupTest(svc, nil, true)

	reqBody, _ := json.Marshal(map[string]string{"prompt": "summarize this"})
	req := httptest.NewRequest("POST", "/submit", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d", w.Code)
	}
	if gotPrompt != "summarize this" {
		t.Errorf("Expected prompt to reach the service, got %q", gotPrompt)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["task_id"] != "task-1" {
		t.Errorf("Expected task_id task-1, got %v", resp["task_id"])
	}
	if resp["status"] != "PENDING" {
		t.Errorf("Expected status PENDING, got %v", resp["status"])
	}
	if resp["message"] != "Task submitted successfully" {
		t.Errorf("Expected submission message, got %v", resp["message"])
	}
}

func TestHandleSubmit_InvalidBody(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("POST", "/submit", strings.NewReader(`{invalid json}`))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleSubmit_ValidationError(t *testing.T) {
	svc := &mockService{
		submitFunc: func(ctx context.Context, prompt string) (*task.Task, error) {
			return nil, apperrors.Validation("prompt must not be empty")
		},
	}
	r := setupTest(svc, nil, true)

	reqBody, _ := json.Marshal(map[string]string{"prompt": ""})
	req := httptest.NewRequest("POST", "/submit", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.Contains(resp["error"], "prompt must not be empty") {
		t.Errorf("Expected validation message, got %v", resp["error"])
	}
}

func TestHandleSubmit_RateLimited(t *testing.T) {
	called := false
	svc := &mockService{
		submitFunc: func(ctx context.Context, prompt string) (*task.Task, error) {
			called = true
			return &task.Task{ID: "task-1", Status: task.StatusPending}, nil
		},
	}
	r := setupTest(svc, nil, false)

	reqBody, _ := json.Marshal(map[string]string{"prompt": "hello"})
	req := httptest.NewRequest("POST", "/submit", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60s" {
		t.Errorf("Expected Retry-After: 60s header, got %s", w.Header().Get("Retry-After"))
	}
	if called {
		t.Error("Service must not be called when rate limited")
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
}

func TestHandleSubmit_StoreUnavailable(t *testing.T) {
	svc := &mockService{
		submitFunc: func(ctx context.Context, prompt string) (*task.Task, error) {
			return nil, apperrors.StoreUnavailable("enqueue task", nil)
		},
	}
	r := setupTest(svc, nil, true)

	reqBody, _ := json.Marshal(map[string]string{"prompt": "hello"})
	req := httptest.NewRequest("POST", "/submit", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleStatus_Pending(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("GET", "/status/abc-123", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["task_id"] != "abc-123" {
		t.Errorf("Expected task_id abc-123, got %v", resp["task_id"])
	}
	if resp["status"] != "PENDING" {
		t.Errorf("Expected PENDING, got %v", resp["status"])
	}
	if _, ok := resp["result"]; ok {
		t.Error("Pending task must not carry a result")
	}
}

func TestHandleStatus_WithResult(t *testing.T) {
	svc := &mockService{
		statusFunc: func(ctx context.Context, id string) (*task.Task, error) {
			return &task.Task{
				ID:     id,
				Status: task.StatusSuccess,
				Result: &task.Result{
					Response:     "42",
					Model:        "claude-sonnet-4-5-20250929",
					Prompt:       "the question",
					PromptLength: 12,
					Timestamp:    time.Now().UTC(),
					TaskID:       id,
				},
			}, nil
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("GET", "/status/abc-123", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "SUCCESS" {
		t.Errorf("Expected SUCCESS, got %v", resp["status"])
	}
	result := resp["result"].(map[string]interface{})
	if result["response"] != "42" {
		t.Errorf("Expected response 42, got %v", result["response"])
	}
	if result["prompt_length"].(float64) != 12 {
		t.Errorf("Expected prompt_length 12, got %v", result["prompt_length"])
	}
}

func TestHandleStatus_WithFailure(t *testing.T) {
	svc := &mockService{
		statusFunc: func(ctx context.Context, id string) (*task.Task, error) {
			return &task.Task{
				ID:     id,
				Status: task.StatusFailure,
				Error:  &task.Failure{Kind: "timeout", Message: "task timed out after 1m0s"},
			}, nil
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("GET", "/status/abc-123", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "FAILURE" {
		t.Errorf("Expected FAILURE, got %v", resp["status"])
	}
	taskErr := resp["error"].(map[string]interface{})
	if taskErr["kind"] != "timeout" {
		t.Errorf("Expected timeout kind, got %v", taskErr["kind"])
	}
}

func TestHandleStatus_NotFound(t *testing.T) {
	svc := &mockService{
		statusFunc: func(ctx context.Context, id string) (*task.Task, error) {
			return nil, apperrors.NotFound("task %s not found", id)
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("GET", "/status/nope", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Error("Expected error message, got empty")
	}
}

func TestHandleCancel(t *testing.T) {
	var gotID string
	svc := &mockService{
		cancelFunc: func(ctx context.Context, id string) error {
			gotID = id
			return nil
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("DELETE", "/cancel/abc-123", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if gotID != "abc-123" {
		t.Errorf("Expected cancel for abc-123, got %q", gotID)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != "Task abc-123 cancellation requested" {
		t.Errorf("Expected cancellation message, got %v", resp["message"])
	}
}

func TestHandleCancel_UnknownIDStillOK(t *testing.T) {
	// Cancel is idempotent; unknown ids are a no-op success.
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("DELETE", "/cancel/never-created", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestHandleCancel_StoreUnavailable(t *testing.T) {
	svc := &mockService{
		cancelFunc: func(ctx context.Context, id string) error {
			return apperrors.StoreUnavailable("get task", nil)
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("DELETE", "/cancel/abc-123", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleRecent(t *testing.T) {
	svc := &mockService{
		listRecentFunc: func(ctx context.Context) (*dispatcher.QueueSnapshot, error) {
			return &dispatcher.QueueSnapshot{
				Active:    []string{"a"},
				Scheduled: []string{"b", "c"},
				Reserved:  []string{"b", "c"},
			}, nil
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("GET", "/tasks/recent", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string][]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp["active_tasks"]) != 1 || resp["active_tasks"][0] != "a" {
		t.Errorf("Expected active_tasks [a], got %v", resp["active_tasks"])
	}
	if len(resp["scheduled_tasks"]) != 2 {
		t.Errorf("Expected 2 scheduled_tasks, got %v", resp["scheduled_tasks"])
	}
	if len(resp["reserved_tasks"]) != 2 {
		t.Errorf("Expected 2 reserved_tasks, got %v", resp["reserved_tasks"])
	}
}

func TestHandleRecent_EmptyArrays(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("GET", "/tasks/recent", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, "null") {
		t.Errorf("Expected empty arrays, not null: %s", body)
	}
}

func TestHandleStats(t *testing.T) {
	svc := &mockService{
		statsFunc: func(ctx context.Context) (map[task.Status]int64, error) {
			return map[task.Status]int64{
				task.StatusPending: 3,
				task.StatusSuccess: 7,
			}, nil
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("GET", "/tasks/stats", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]float64
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["PENDING"] != 3 {
		t.Errorf("Expected PENDING count 3, got %v", resp["PENDING"])
	}
	if resp["SUCCESS"] != 7 {
		t.Errorf("Expected SUCCESS count 7, got %v", resp["SUCCESS"])
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("GET", "/tasks/history", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "task history disabled" {
		t.Errorf("Expected task history disabled error, got %v", resp["error"])
	}
}

func TestHandleHistory_Success(t *testing.T) {
	history := &mockArchiveStore{
		recentFunc: func(ctx context.Context, limit int) ([]*archive.Record, error) {
			return []*archive.Record{
				{TaskID: "t1", Status: "SUCCESS", Model: "claude-sonnet-4-5-20250929"},
				{TaskID: "t2", Status: "FAILURE", ErrorKind: "timeout"},
			}, nil
		},
	}
	r := setupTest(&mockService{}, history, true)
	req := httptest.NewRequest("GET", "/tasks/history", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["count"].(float64) != 2 {
		t.Errorf("Expected count 2, got %v", resp["count"])
	}
	tasks := resp["tasks"].([]interface{})
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(tasks))
	}
}

func TestHandleHistory_ForwardsLimit(t *testing.T) {
	var gotLimit int
	history := &mockArchiveStore{
		recentFunc: func(ctx context.Context, limit int) ([]*archive.Record, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	r := setupTest(&mockService{}, history, true)
	req := httptest.NewRequest("GET", "/tasks/history?limit=5", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if gotLimit != 5 {
		t.Errorf("Expected limit 5, got %d", gotLimit)
	}
}

func TestHandleHistory_InvalidLimit(t *testing.T) {
	r := setupTest(&mockService{}, &mockArchiveStore{}, true)
	req := httptest.NewRequest("GET", "/tasks/history?limit=not-a-number", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleHealth_Healthy(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
	if resp["service"] != "llm-taskd" {
		t.Errorf("Expected service llm-taskd, got %v", resp["service"])
	}
}

func TestHandleHealth_Unhealthy(t *testing.T) {
	svc := &mockService{
		healthFunc: func(ctx context.Context) error {
			return apperrors.StoreUnavailable("ping", nil)
		},
	}
	r := setupTest(svc, nil, true)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "unhealthy" {
		t.Errorf("Expected unhealthy, got %v", resp["status"])
	}
}

func TestHandleHealthz(t *testing.T) {
	r := setupTest(&mockService{}, nil, true)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("Expected ok status, got %s", w.Body.String())
	}
}

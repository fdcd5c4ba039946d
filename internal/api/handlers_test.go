package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wasm-kata-runner/internal/monitor"
	"wasm-kata-runner/internal/sandbox"
	"wasm-kata-runner/internal/storage"
)

// mockRunner implements KataRunner for handler tests.
type mockRunner struct {
	result   *sandbox.RunResult
	err      error
	readyErr error
	state    sandbox.State
	limits   sandbox.Limits
	codes    []string
}

func (m *mockRunner) Run(_ context.Context, code string) (*sandbox.RunResult, error) {
	m.codes = append(m.codes, code)
	return m.result, m.err
}

func (m *mockRunner) EnsureReady(context.Context) error {
	if m.readyErr == nil {
		m.state = sandbox.StateReady
	}
	return m.readyErr
}

func (m *mockRunner) State() sandbox.State { return m.state }
func (m *mockRunner) ActiveCount() int64   { return 0 }

func (m *mockRunner) Limits() sandbox.Limits {
	if m.limits == (sandbox.Limits{}) {
		return sandbox.DefaultLimits()
	}
	return m.limits
}

type mockStore struct {
	runs    map[string]*storage.Run
	err     error
	filter  storage.RunFilter
	healthy bool
}

func (m *mockStore) GetRun(_ context.Context, id string) (*storage.Run, error) {
	if m.err != nil {
		return nil, m.err
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return run, nil
}

func (m *mockStore) ListRuns(_ context.Context, f storage.RunFilter) ([]storage.Run, error) {
	m.filter = f
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.Run
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *mockStore) Healthy(context.Context) bool { return m.healthy }

type mockAudit struct {
	runs []*storage.Run
}

func (m *mockAudit) Log(run *storage.Run) { m.runs = append(m.runs, run) }

func newTestHandlers(runner KataRunner) *Handlers {
	return NewHandlers(runner, "ruby", nil, nil, monitor.NewMetrics())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func passingResult() *sandbox.RunResult {
	return &sandbox.RunResult{
		ID:       "run-1",
		Output:   []string{"Run options: --seed 1", "", "4 runs, 9 assertions, 0 failures, 0 errors, 0 skips"},
		Success:  true,
		Duration: 120 * time.Millisecond,
		CodeHash: "abc123",
	}
}

func TestHandleRun_Success(t *testing.T) {
	runner := &mockRunner{result: passingResult()}
	h := newTestHandlers(runner)
	audit := &mockAudit{}
	h.audit = audit

	rec := postJSON(t, h.HandleRun, RunRequest{Code: "def add(a, b) = a + b"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp RunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "run-1" || !resp.Success || resp.Status != "passed" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Output) != 3 {
		t.Errorf("Output = %v", resp.Output)
	}
	if resp.Duration.Duration != 120*time.Millisecond {
		t.Errorf("Duration = %s", resp.Duration)
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", resp.Warnings)
	}
	if len(audit.runs) != 1 || audit.runs[0].Status != "passed" || audit.runs[0].Runtime != "ruby" {
		t.Errorf("audit = %+v", audit.runs)
	}
}

func TestHandleRun_FailingRunIsStillOK(t *testing.T) {
	res := passingResult()
	res.Success = false
	res.Err = &sandbox.GuestEvaluationError{Stage: sandbox.StageUser, Message: "SyntaxError: unexpected end-of-input"}
	res.Output = []string{"user: SyntaxError: unexpected end-of-input"}
	h := newTestHandlers(&mockRunner{result: res})

	rec := postJSON(t, h.HandleRun, RunRequest{Code: "def add("})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp RunResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Success || resp.Status != "error" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleRun_TamperWarnings(t *testing.T) {
	res := passingResult()
	h := newTestHandlers(&mockRunner{result: res})

	rec := postJSON(t, h.HandleRun, RunRequest{Code: "def assert_equal(*) = true"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp RunResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Warnings) == 0 || resp.Warnings[0].Pattern != "assertion_override" {
		t.Errorf("warnings = %+v", resp.Warnings)
	}
	// Warnings never flip the verdict.
	if !resp.Success {
		t.Error("success should come from the run")
	}
}

func TestHandleRun_ValidationErrors(t *testing.T) {
	h := newTestHandlers(&mockRunner{result: passingResult(), limits: sandbox.Limits{MaxCodeBytes: 16, MaxOutputBytes: 1024}})

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"not an object", []int{1}, http.StatusBadRequest},
		{"code too large", RunRequest{Code: "puts 'seventeen!'"}, http.StatusRequestEntityTooLarge},
		{"code within limit", RunRequest{Code: "puts 'fifteen'"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleRun, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleRun_BlankCodeIsRun(t *testing.T) {
	res := passingResult()
	res.Success = false
	res.Output = []string{"  1) Error:", "CalculatorTest#test_add:", "NameError: uninitialized constant CalculatorTest::Calculator"}

	for _, body := range []any{map[string]string{}, RunRequest{Code: "   "}} {
		runner := &mockRunner{result: res}
		h := newTestHandlers(runner)

		rec := postJSON(t, h.HandleRun, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("body %v: got status %d, want 200", body, rec.Code)
		}
		if len(runner.codes) != 1 {
			t.Fatalf("body %v: runner called %d times, want 1", body, len(runner.codes))
		}
		var resp RunResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Success || resp.Status != "failed" {
			t.Errorf("body %v: success = %v, status = %q", body, resp.Success, resp.Status)
		}
	}
}

func TestHandleRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"init", &sandbox.InitializationError{Op: "fetch", Err: errors.New("dial tcp: refused")}, http.StatusServiceUnavailable, "INITIALIZATION_FAILED"},
		{"harness", &sandbox.ResourceLoadError{Ref: "harness/calculator_test.rb", Status: 404}, http.StatusServiceUnavailable, "HARNESS_UNAVAILABLE"},
		{"not ready", sandbox.ErrNotReady, http.StatusServiceUnavailable, "NOT_READY"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "RUN_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&mockRunner{err: tt.err})
			rec := postJSON(t, h.HandleRun, RunRequest{Code: "x = 1"})
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Code != tt.wantCode {
				t.Errorf("got code %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleRun_RunnerUnavailable(t *testing.T) {
	h := newTestHandlers(nil)

	rec := postJSON(t, h.HandleRun, RunRequest{Code: "x = 1"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "RUNNER_UNAVAILABLE" {
		t.Errorf("got code %q, want RUNNER_UNAVAILABLE", resp.Code)
	}
}

func TestHandleInitialize(t *testing.T) {
	h := newTestHandlers(&mockRunner{})
	req := httptest.NewRequest(http.MethodPost, "/initialize", nil)
	rec := httptest.NewRecorder()
	h.HandleInitialize(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp InitializeResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.State != "ready" || resp.Runtime != "ruby" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleInitialize_Failure(t *testing.T) {
	h := newTestHandlers(&mockRunner{readyErr: &sandbox.InitializationError{Op: "compile", Err: errors.New("bad magic")}})
	req := httptest.NewRequest(http.MethodPost, "/initialize", nil)
	rec := httptest.NewRecorder()
	h.HandleInitialize(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestHandleGetRun(t *testing.T) {
	store := &mockStore{runs: map[string]*storage.Run{"r1": {ID: "r1", Status: "failed"}}}
	h := newTestHandlers(&mockRunner{})
	h.store = store

	tests := []struct {
		id         string
		storeErr   error
		wantStatus int
	}{
		{"r1", nil, http.StatusOK},
		{"missing", nil, http.StatusNotFound},
		{"r1", errors.New("conn refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		store.err = tt.storeErr
		req := httptest.NewRequest(http.MethodGet, "/runs/"+tt.id, nil)
		req.SetPathValue("id", tt.id)
		rec := httptest.NewRecorder()
		h.HandleGetRun(rec, req)
		if rec.Code != tt.wantStatus {
			t.Errorf("GET %s (err %v): got %d, want %d", tt.id, tt.storeErr, rec.Code, tt.wantStatus)
		}
	}
}

func TestHandleListRuns(t *testing.T) {
	store := &mockStore{runs: map[string]*storage.Run{"r1": {ID: "r1"}}}
	h := newTestHandlers(&mockRunner{})
	h.store = store

	req := httptest.NewRequest(http.MethodGet, "/runs?status=failed&limit=5&offset=10&since=2026-01-02T03:04:05Z", nil)
	rec := httptest.NewRecorder()
	h.HandleListRuns(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}
	f := store.filter
	if f.Status != "failed" || f.Limit != 5 || f.Offset != 10 || f.Since == nil {
		t.Errorf("filter = %+v", f)
	}
	var runs []storage.Run
	json.NewDecoder(rec.Body).Decode(&runs)
	if len(runs) != 1 {
		t.Errorf("runs = %v", runs)
	}
}

func TestHandleListRuns_BadQuery(t *testing.T) {
	h := newTestHandlers(&mockRunner{})
	h.store = &mockStore{}

	for _, q := range []string{"status=weird", "limit=0", "limit=x", "offset=-1", "since=yesterday"} {
		req := httptest.NewRequest(http.MethodGet, "/runs?"+q, nil)
		rec := httptest.NewRecorder()
		h.HandleListRuns(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, rec.Code)
		}
	}
}

func TestHandleListRuns_NoDatabase(t *testing.T) {
	h := newTestHandlers(&mockRunner{})
	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	h.HandleListRuns(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rec.Code)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-kata-runner/internal/monitor"
	"wasm-kata-runner/internal/sandbox"
	"wasm-kata-runner/internal/storage"
)

// KataRunner runs submissions against the shared session.
type KataRunner interface {
	Run(ctx context.Context, code string) (*sandbox.RunResult, error)
	EnsureReady(ctx context.Context) error
	State() sandbox.State
	ActiveCount() int64
	Limits() sandbox.Limits
}

// RunStore reads the run audit log.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error)
	Healthy(ctx context.Context) bool
}

// AuditLogger records finished runs.
type AuditLogger interface {
	Log(run *storage.Run)
}

type Handlers struct {
	runner   KataRunner
	runtime  string
	store    RunStore
	audit    AuditLogger
	metrics  *monitor.Metrics
	detector *monitor.TamperDetector
}

// NewHandlers wires the handlers. store and audit may be nil.
func NewHandlers(runner KataRunner, runtimeName string, store RunStore, audit AuditLogger, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		runner:   runner,
		runtime:  runtimeName,
		store:    store,
		audit:    audit,
		metrics:  metrics,
		detector: monitor.NewTamperDetector(),
	}
}

func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.runner == nil {
		writeError(w, "runner unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	// Empty code is a valid submission; the suite reports it as failing.
	if limit := h.runner.Limits().MaxCodeBytes; len(req.Code) > limit {
		writeError(w, fmt.Sprintf("code exceeds %d bytes", limit), "CODE_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
		return
	}

	warnings := h.warnings(h.detector.AnalyzeCode(req.Code))

	start := time.Now()
	result, err := h.runner.Run(r.Context(), req.Code)
	if err != nil {
		h.writeRunError(w, err, r)
		return
	}

	warnings = append(warnings, h.warnings(h.detector.AnalyzeOutput(strings.Join(result.Output, "\n")))...)

	h.logAudit(result, warnings, start, r)

	writeJSON(w, http.StatusOK, RunResponse{
		ID:       result.ID,
		Output:   result.Output,
		Success:  result.Success,
		Status:   result.Status(),
		Duration: Duration{result.Duration},
		CodeHash: result.CodeHash,
		Warnings: warnings,
	})
}

func (h *Handlers) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, "runner unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	start := time.Now()
	if err := h.runner.EnsureReady(r.Context()); err != nil {
		h.writeRunError(w, err, r)
		return
	}

	writeJSON(w, http.StatusOK, InitializeResponse{
		State:    h.runner.State().String(),
		Runtime:  h.runtime,
		Duration: Duration{time.Since(start)},
	})
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "run ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", id).Msg("run lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("run listing failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

func parseRunFilter(r *http.Request) (storage.RunFilter, error) {
	q := r.URL.Query()
	filter := storage.RunFilter{Status: q.Get("status"), Limit: 100}

	switch filter.Status {
	case "", "passed", "failed", "error":
	default:
		return filter, errors.New("status must be passed, failed or error")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = &t
	}
	return filter, nil
}

// writeRunError maps runner errors onto HTTP statuses.
func (h *Handlers) writeRunError(w http.ResponseWriter, err error, r *http.Request) {
	var rle *sandbox.ResourceLoadError
	switch {
	case errors.As(err, &rle):
		writeError(w, err.Error(), "HARNESS_UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, sandbox.ErrInitialization):
		writeError(w, err.Error(), "INITIALIZATION_FAILED", http.StatusServiceUnavailable, r)
	case errors.Is(err, sandbox.ErrNotReady):
		writeError(w, "session not ready", "NOT_READY", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("run failed")
		writeError(w, "run failed", "RUN_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) warnings(detections []monitor.Detection) []Warning {
	out := make([]Warning, 0, len(detections))
	for _, d := range detections {
		if h.metrics != nil {
			h.metrics.RecordDetection(d.Pattern)
		}
		out = append(out, Warning{
			Pattern:  d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}
	return out
}

func (h *Handlers) logAudit(result *sandbox.RunResult, warnings []Warning, start time.Time, r *http.Request) {
	if h.audit == nil {
		return
	}

	patterns := make([]string, 0, len(warnings))
	for _, w := range warnings {
		patterns = append(patterns, w.Pattern)
	}
	var errText string
	if result.Err != nil {
		errText = result.Err.Error()
	}

	h.audit.Log(&storage.Run{
		ID:          result.ID,
		Runtime:     h.runtime,
		CodeHash:    result.CodeHash,
		Success:     result.Success,
		Status:      result.Status(),
		Output:      strings.Join(result.Output, "\n"),
		ErrorText:   errText,
		DurationMS:  result.Duration.Milliseconds(),
		Detections:  patterns,
		RequestIP:   r.RemoteAddr,
		APIKeyHash:  APIKeyHashFromContext(r.Context()),
		CreatedAt:   start,
		CompletedAt: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

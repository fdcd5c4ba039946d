package api

import "time"

// RunRequest is the API-level request to run a kata submission.
type RunRequest struct {
	Code string `json:"code"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// RunResponse is returned after a run. Success is the classifier's
// verdict over Output.
type RunResponse struct {
	ID       string    `json:"id"`
	Output   []string  `json:"output"`
	Success  bool      `json:"success"`
	Status   string    `json:"status"`
	Duration Duration  `json:"duration"`
	CodeHash string    `json:"code_hash"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning flags submitted code or output that looks like an attempt to
// game the harness. Warnings never change the verdict.
type Warning struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// InitializeResponse is returned by POST /initialize.
type InitializeResponse struct {
	State    string   `json:"state"`
	Runtime  string   `json:"runtime"`
	Duration Duration `json:"duration"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Session    string `json:"session"`
	Runtime    string `json:"runtime"`
	ActiveRuns int64  `json:"active_runs"`
	Database   bool   `json:"database"`
	Uptime     string `json:"uptime"`
}

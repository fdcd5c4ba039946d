package storage

import "time"

// Run is a stored kata run record.
type Run struct {
	ID          string    `json:"id" db:"id"`
	Runtime     string    `json:"runtime" db:"runtime"`
	CodeHash    string    `json:"code_hash" db:"code_hash"`
	Success     bool      `json:"success" db:"success"`
	Status      string    `json:"status" db:"status"` // passed, failed, error
	Output      string    `json:"output" db:"output"`
	ErrorText   string    `json:"error,omitempty" db:"error_text"`
	DurationMS  int64     `json:"duration_ms" db:"duration_ms"`
	Detections  []string  `json:"detections,omitempty" db:"detections"`
	RequestIP   string    `json:"request_ip" db:"request_ip"`
	APIKeyHash  string    `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
}

// RunFilter provides criteria for querying runs.
type RunFilter struct {
	Status string
	Since  *time.Time
	Limit  int
	Offset int
}

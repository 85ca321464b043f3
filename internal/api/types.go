package api

import "time"

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// SubmitRequest is the body of POST /jobs. The spec file must be readable
// by the serve process.
type SubmitRequest struct {
	SpecPath string `json:"spec_path"`
}

// SubmitResponse is returned by POST /jobs.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobResponse is the API projection of a job record.
type JobResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	SpecPath    string     `json:"spec_path"`
	SpecHash    string     `json:"spec_hash"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	SubmittedBy string     `json:"submitted_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	StderrTail  *string    `json:"stderr_tail,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

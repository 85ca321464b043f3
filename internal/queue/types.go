package queue

import (
	"errors"
	"time"
)

// Status is a job's lifecycle state. Jobs run at most once; there is no
// retry state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Job is one submission record. SpecHash pins the exact spec content the
// job was submitted with.
type Job struct {
	ID          string
	Name        string
	SpecPath    string
	SpecHash    string
	Status      Status
	ExitCode    *int
	SubmittedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
	StderrTail  *string
}

// EnqueueRequest describes a job to be queued.
type EnqueueRequest struct {
	Name        string
	SpecPath    string
	SpecHash    string
	SubmittedBy string
}

var ErrJobNotFound = errors.New("job not found")

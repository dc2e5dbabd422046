package types

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an async crawl job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job tracks one submission of the async crawl facility. A job is
// mutated only by its owning worker; terminal states are immutable.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      JobStatus  `json:"status"`
	Request     any        `json:"request,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    float64    `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job with a fresh UUID.
func NewJob(jobType string, request any) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    JobPending,
		Request:   request,
		CreatedAt: time.Now().UTC(),
	}
}

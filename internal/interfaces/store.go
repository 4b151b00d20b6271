package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// DefaultMaxAttempts is used when a job is created without an explicit ceiling.
const DefaultMaxAttempts = 3

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// TerminalStatuses are the statuses a job never leaves.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Job represents a job in the queue
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// String returns a string representation of the job
func (j *Job) String() string {
	return fmt.Sprintf("Job{ID: %s, Type: %s, Status: %s, Attempts: %d/%d}",
		j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts)
}

// CanRetry returns true if a failure of the current attempt leaves budget for another one
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// EnqueueOptions tune a job at creation time. Zero values select defaults:
// priority 0, DefaultMaxAttempts, and runAt = creation time.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	RunAt       *time.Time
}

// ListFilter narrows List. An empty Status matches every job.
type ListFilter struct {
	Status JobStatus
	Limit  int
}

// StatusCounts is the number of jobs per status.
type StatusCounts map[JobStatus]int64

// Total sums all counts.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// JobStore defines the durable operations the queue is built on. Every
// mutation is scoped to a single job row.
type JobStore interface {
	// Create inserts a pending job with attempts = 0.
	Create(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// FetchReady returns pending jobs whose runAt has passed, ordered by
	// priority descending then runAt ascending. It does not mutate.
	FetchReady(ctx context.Context, limit int) ([]*Job, error)

	// Claim moves a pending job to running with a single conditional update.
	// It returns (nil, nil) when another caller won or the job is not pending.
	Claim(ctx context.Context, id string) (*Job, error)

	// Complete stores result and marks the job completed. Calling it again
	// overwrites the result.
	Complete(ctx context.Context, id string, result json.RawMessage) error

	// Fail records errMsg on a running job and either schedules a retry or
	// marks it failed once attempts reach maxAttempts. The updated job is
	// returned.
	Fail(ctx context.Context, id string, errMsg string) (*Job, error)

	// Cancel moves a pending job to cancelled and reports whether it did.
	Cancel(ctx context.Context, id string) (bool, error)

	Stats(ctx context.Context) (StatusCounts, error)

	// Cleanup deletes terminal jobs created before olderThan.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)

	// RecoverStale fails running jobs started before olderThan, so a job
	// held by a crashed worker goes back through the retry path.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)

	Ping(ctx context.Context) error
}

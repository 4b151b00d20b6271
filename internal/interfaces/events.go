package interfaces

import (
	"encoding/json"
	"time"
)

// JobEvent describes a job status change observed by the process that
// caused it.
type JobEvent struct {
	JobID       string          `json:"job_id"`
	Type        string          `json:"type"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	At          time.Time       `json:"at"`
}

// EventFromJob snapshots job as an event.
func EventFromJob(job *Job, at time.Time) JobEvent {
	return JobEvent{
		JobID:       job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		RunAt:       job.RunAt,
		Error:       job.Error,
		Result:      job.Result,
		At:          at,
	}
}

// EventSink receives job events. Publish must not block for long; sinks
// that talk to the network buffer or drop.
type EventSink interface {
	Publish(ev JobEvent)
}

// EventSinks fans an event out to several sinks.
type EventSinks []EventSink

func (s EventSinks) Publish(ev JobEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ev)
		}
	}
}

package nats

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mtr002/jobworks/internal/interfaces"
)

const (
	JobSubmitSubject = "jobs.submit"
	JobStatusSubject = "jobs.status"
	// SubmitQueueGroup makes each submission land on exactly one worker.
	SubmitQueueGroup = "jobqueue-workers"

	// OriginHeader carries the id of the client that published a status
	// event.
	OriginHeader = "Jobqueue-Origin"
)

type JobSubmissionMessage struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
}

func (m *JobSubmissionMessage) Options() interfaces.EnqueueOptions {
	return interfaces.EnqueueOptions{
		Priority:    m.Priority,
		MaxAttempts: m.MaxAttempts,
		RunAt:       m.RunAt,
	}
}

// JobSubmissionReply answers a submission sent as a request. Code names
// the kind of rejection so the requester can recover the sentinel error.
type JobSubmissionReply struct {
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

const (
	CodeEmptyType      = "empty_type"
	CodeInvalidPayload = "invalid_payload"
	CodeInternal       = "internal"
)

var codeErrors = map[string]error{
	CodeEmptyType:      interfaces.ErrEmptyType,
	CodeInvalidPayload: interfaces.ErrInvalidPayload,
}

func errorCode(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

func rejectReply(err error) JobSubmissionReply {
	return JobSubmissionReply{Error: err.Error(), Code: errorCode(err)}
}

// Err returns the rejection as an error that matches the sentinel named by
// Code, or nil for an accepted submission.
func (r *JobSubmissionReply) Err() error {
	if r.Error == "" {
		return nil
	}
	return &rejectedError{msg: r.Error, kind: codeErrors[r.Code]}
}

type rejectedError struct {
	msg  string
	kind error
}

func (e *rejectedError) Error() string { return e.msg }
func (e *rejectedError) Unwrap() error { return e.kind }

// JobStatusMessage is a job event as carried on JobStatusSubject.
type JobStatusMessage = interfaces.JobEvent

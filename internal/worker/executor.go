package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/metrics"
	"github.com/mtr002/jobworks/internal/registry"
)

// Outcome is how a single execution attempt ended.
type Outcome int

const (
	// OutcomeSucceeded means the handler returned and the job is completed.
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed means the attempt failed and the job was retried or failed.
	OutcomeFailed
	// OutcomeSkipped means another worker claimed the job first.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Executor drives one job through claim, dispatch and resolution.
type Executor struct {
	store    interfaces.JobStore
	registry *registry.Registry
	sink     interfaces.EventSink
}

// NewExecutor creates an executor. sink may be nil.
func NewExecutor(store interfaces.JobStore, reg *registry.Registry, sink interfaces.EventSink) *Executor {
	return &Executor{store: store, registry: reg, sink: sink}
}

// Execute claims job and runs its handler. The job argument is only a
// candidate from FetchReady; the claimed row is what executes.
//
// A non-nil error means the store itself failed. Handler errors and missing
// handlers are recorded on the job and reported as OutcomeFailed.
func (e *Executor) Execute(ctx context.Context, job *interfaces.Job) (Outcome, error) {
	handler, lookupErr := e.registry.Lookup(job.Type)

	claimed, err := e.store.Claim(ctx, job.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim: %w", err)
	}
	if claimed == nil {
		metrics.ClaimConflictsTotal.Inc()
		logger.WithJobID(job.ID).Debug().Str("type", job.Type).Msg("Job claimed elsewhere, skipping")
		return OutcomeSkipped, nil
	}
	metrics.JobsClaimedTotal.WithLabelValues(claimed.Type).Inc()
	e.publish(claimed)

	log := logger.WithJobID(claimed.ID)
	log.Info().
		Str("type", claimed.Type).
		Int("attempt", claimed.Attempts).
		Int("max_attempts", claimed.MaxAttempts).
		Msg("Processing job")

	// Resolution must land even when the worker is shutting down.
	runCtx := context.WithoutCancel(ctx)

	if lookupErr != nil {
		log.Error().Str("type", claimed.Type).Msg("No handler registered for job type")
		return e.fail(runCtx, claimed, lookupErr.Error())
	}

	startTime := time.Now()
	result, runErr := runHandler(runCtx, handler, claimed.Payload)
	metrics.JobProcessingDuration.WithLabelValues(claimed.Type).Observe(time.Since(startTime).Seconds())

	if runErr != nil {
		log.Error().Err(runErr).Msg("Job processing failed")
		return e.fail(runCtx, claimed, runErr.Error())
	}

	if len(result) > 0 && !json.Valid(result) {
		return e.fail(runCtx, claimed, "handler returned a result that is not valid JSON")
	}

	if err := e.store.Complete(runCtx, claimed.ID, result); err != nil {
		return OutcomeFailed, fmt.Errorf("complete: %w", err)
	}

	metrics.JobsCompletedTotal.WithLabelValues(claimed.Type).Inc()
	claimed.Status = interfaces.StatusCompleted
	claimed.Result = result
	e.publish(claimed)
	log.Info().Msg("Job completed successfully")
	return OutcomeSucceeded, nil
}

func (e *Executor) fail(ctx context.Context, job *interfaces.Job, msg string) (Outcome, error) {
	failed, err := e.store.Fail(ctx, job.ID, msg)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("fail: %w", err)
	}

	log := logger.WithJobID(failed.ID)
	if failed.Status.IsTerminal() {
		metrics.JobsFailedTotal.WithLabelValues(failed.Type).Inc()
		log.Warn().Int("attempts", failed.Attempts).Str("error", msg).Msg("Job permanently failed")
	} else {
		metrics.JobsRetriedTotal.WithLabelValues(failed.Type).Inc()
		log.Info().
			Int("attempts", failed.Attempts).
			Int("max_attempts", failed.MaxAttempts).
			Time("run_at", failed.RunAt).
			Msg("Job failed, will retry")
	}

	e.publish(failed)
	return OutcomeFailed, nil
}

func (e *Executor) publish(job *interfaces.Job) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(interfaces.EventFromJob(job, time.Now().UTC()))
}

// runHandler turns a handler panic into an attempt failure.
func runHandler(ctx context.Context, h registry.HandlerFunc, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Job handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

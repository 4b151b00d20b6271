package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/metrics"
)

// Manager is the application-facing side of the queue: enqueueing,
// inspection, cancellation and housekeeping.
type Manager struct {
	store              interfaces.JobStore
	defaultMaxAttempts int
	sink               interfaces.EventSink
	clock              func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now when computing cleanup and stale cutoffs
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a job manager over store. sink may be nil.
func NewManager(store interfaces.JobStore, defaultMaxAttempts int, sink interfaces.EventSink, opts ...Option) *Manager {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = interfaces.DefaultMaxAttempts
	}

	m := &Manager{
		store:              store,
		defaultMaxAttempts: defaultMaxAttempts,
		sink:               sink,
		clock:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue creates a pending job
func (m *Manager) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts interfaces.EnqueueOptions) (*interfaces.Job, error) {
	if jobType == "" {
		return nil, interfaces.ErrEmptyType
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = m.defaultMaxAttempts
	}

	job, err := m.store.Create(ctx, jobType, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(job.Type).Inc()
	m.publish(job)
	logger.WithJobID(job.ID).Info().
		Str("type", job.Type).
		Int("priority", job.Priority).
		Int("max_attempts", job.MaxAttempts).
		Time("run_at", job.RunAt).
		Msg("Job enqueued")
	return job, nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(ctx context.Context, id string) (*interfaces.Job, error) {
	return m.store.Get(ctx, id)
}

// ListJobs returns jobs newest first
func (m *Manager) ListJobs(ctx context.Context, filter interfaces.ListFilter) ([]*interfaces.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	return m.store.List(ctx, filter)
}

// Cancel cancels a pending job and reports whether it did
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}

	log := logger.WithJobID(id)
	if !ok {
		log.Info().Msg("Job not pending, cancel ignored")
		return false, nil
	}

	metrics.JobsCancelledTotal.Inc()
	log.Info().Msg("Job cancelled")
	if job, err := m.store.Get(ctx, id); err == nil {
		m.publish(job)
	}
	return true, nil
}

// Stats counts jobs by status and refreshes the status gauges
func (m *Manager) Stats(ctx context.Context) (interfaces.StatusCounts, error) {
	counts, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	return counts, nil
}

// Cleanup deletes terminal jobs created more than retention ago
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := m.clock().Add(-retention)
	n, err := m.store.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	metrics.JobsCleanedTotal.Add(float64(n))
	if n > 0 {
		logger.Logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Cleaned up terminal jobs")
	}
	return n, nil
}

// RecoverStale fails jobs running for longer than staleAfter
func (m *Manager) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	n, err := m.store.RecoverStale(ctx, m.clock().Add(-staleAfter))
	if err != nil {
		return n, err
	}

	metrics.StaleJobsRecoveredTotal.Add(float64(n))
	if n > 0 {
		logger.Logger.Warn().Int("count", n).Dur("threshold", staleAfter).Msg("Recovered stale running jobs")
	}
	return n, nil
}

// Ping checks that the store is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) publish(job *interfaces.Job) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(interfaces.EventFromJob(job, m.clock().UTC()))
}

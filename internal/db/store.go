package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/mtr002/jobworks/internal/backoff"
	"github.com/mtr002/jobworks/internal/interfaces"
)

const jobColumns = `id, type, payload, status, priority, run_at, attempts, max_attempts,
	result, error, created_at, started_at, completed_at`

// Store handles database operations for jobs
type Store struct {
	db      *sql.DB
	dialect Dialect
	backoff backoff.Policy
	clock   func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithBackoff sets the retry schedule applied by Fail
func WithBackoff(p backoff.Policy) Option {
	return func(s *Store) { s.backoff = p }
}

// WithClock replaces time.Now, for tests that need to move time
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates a new database store
func NewStore(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		backoff: backoff.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ interfaces.JobStore = (*Store)(nil)

// now is truncated to the microsecond precision Postgres keeps, so values
// read back compare equal to values written.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new pending job
func (s *Store) Create(ctx context.Context, jobType string, payload json.RawMessage, opts interfaces.EnqueueOptions) (*interfaces.Job, error) {
	if jobType == "" {
		return nil, interfaces.ErrEmptyType
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, interfaces.ErrInvalidPayload
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = interfaces.DefaultMaxAttempts
	}

	now := s.now()
	runAt := now
	if opts.RunAt != nil {
		runAt = opts.RunAt.UTC().Truncate(time.Microsecond)
	}

	job := &interfaces.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Status:      interfaces.StatusPending,
		Priority:    opts.Priority,
		RunAt:       runAt,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}

	query := `
		INSERT INTO jobs (id, type, payload, status, priority, run_at, attempts, max_attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)
	`
	_, err := s.exec(ctx, query,
		job.ID, job.Type, string(job.Payload), job.Status, job.Priority, job.RunAt,
		job.MaxAttempts, job.CreatedAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id string) (*interfaces.Job, error) {
	if !validID(id) {
		return nil, fmt.Errorf("job %q: %w", id, interfaces.ErrJobNotFound)
	}

	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, interfaces.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status
func (s *Store) List(ctx context.Context, filter interfaces.ListFilter) ([]*interfaces.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	if filter.Status != "" {
		return s.queryJobs(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = ?
			ORDER BY created_at DESC
			LIMIT ?`, filter.Status, limit)
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
}

// FetchReady returns up to limit pending jobs whose run_at has passed,
// highest priority first and oldest run_at first within a priority.
func (s *Store) FetchReady(ctx context.Context, limit int) ([]*interfaces.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY priority DESC, run_at ASC, created_at ASC
		LIMIT ?`,
		interfaces.StatusPending, s.now(), limit)
}

// Claim atomically moves a pending, due job to running and returns the
// claimed row from the same statement. Of any number of concurrent callers
// exactly one sees a row come back. Returns (nil, nil) when the job was not
// claimed.
//
// Once issued the statement ignores ctx cancellation: a claim that reached
// the database must reach the caller too, or the row would sit in running
// with nobody to resolve it.
func (s *Store) Claim(ctx context.Context, id string) (*interfaces.Job, error) {
	if !validID(id) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	job, err := scanJob(s.queryRow(context.WithoutCancel(ctx), `
		UPDATE jobs
		SET status = ?, started_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ? AND run_at <= ?
		RETURNING `+jobColumns,
		interfaces.StatusRunning, now, now, id, interfaces.StatusPending, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return job, nil
}

// Complete marks a job completed with its result. A second call overwrites
// the result; failed and cancelled jobs are left alone.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	if !json.Valid(result) {
		return interfaces.ErrInvalidPayload
	}
	if !validID(id) {
		return fmt.Errorf("job %q: %w", id, interfaces.ErrJobNotFound)
	}

	now := s.now()
	query := `
		UPDATE jobs
		SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`
	res, err := s.exec(ctx, query,
		interfaces.StatusCompleted, string(result), now, now,
		id, interfaces.StatusFailed, interfaces.StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return s.checkApplied(ctx, res, id)
}

// Fail records a failed attempt. While attempts < max_attempts the job goes
// back to pending with run_at pushed out by the backoff policy; otherwise
// it becomes failed. The update is conditioned on the attempt count read,
// so a concurrent change to the row makes it a no-op.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) (*interfaces.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != interfaces.StatusRunning {
		return nil, fmt.Errorf("fail job %s in status %s: %w", id, job.Status, interfaces.ErrInvalidTransition)
	}

	now := s.now()
	var res sql.Result
	if job.CanRetry() {
		runAt := now.Add(s.backoff.Delay(job.Attempts))
		res, err = s.exec(ctx, `
			UPDATE jobs
			SET status = ?, error = ?, run_at = ?, started_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND attempts = ?`,
			interfaces.StatusPending, errMsg, runAt, now,
			id, interfaces.StatusRunning, job.Attempts)
		job.Status = interfaces.StatusPending
		job.RunAt = runAt
		job.StartedAt = nil
	} else {
		res, err = s.exec(ctx, `
			UPDATE jobs
			SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND attempts = ?`,
			interfaces.StatusFailed, errMsg, now, now,
			id, interfaces.StatusRunning, job.Attempts)
		job.Status = interfaces.StatusFailed
		job.CompletedAt = &now
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update failed job %s: %w", id, err)
	}
	if err := s.checkApplied(ctx, res, id); err != nil {
		return nil, err
	}

	job.Error = errMsg
	return job, nil
}

// Cancel moves a pending job to cancelled. It reports false for a job in
// any other status.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, fmt.Errorf("job %q: %w", id, interfaces.ErrJobNotFound)
	}

	now := s.now()
	res, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		interfaces.StatusCancelled, now, now, id, interfaces.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Stats counts jobs grouped by status. Every status is present in the result.
func (s *Store) Stats(ctx context.Context) (interfaces.StatusCounts, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	counts := make(interfaces.StatusCounts, len(interfaces.AllStatuses))
	for _, st := range interfaces.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		counts[interfaces.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return counts, nil
}

// Cleanup deletes completed, failed and cancelled jobs created before olderThan
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	args := statusArgs(interfaces.TerminalStatuses)
	res, err := s.exec(ctx, `
		DELETE FROM jobs
		WHERE status IN (`+placeholders(len(args))+`) AND created_at < ?`,
		append(args, olderThan.UTC())...)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// RecoverStale fails every job still running since before olderThan. Each
// one consumes an attempt, exactly as if its handler had returned an error.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := s.query(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND started_at < ?`,
		interfaces.StatusRunning, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to query stale jobs: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating rows: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		_, err := s.Fail(ctx, id, "job exceeded running threshold; worker presumed lost")
		if err != nil {
			if errors.Is(err, interfaces.ErrInvalidTransition) || errors.Is(err, interfaces.ErrJobNotFound) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// checkApplied turns a zero-row update into ErrJobNotFound or
// ErrInvalidTransition depending on whether the job exists.
func (s *Store) checkApplied(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s in status %s: %w", id, job.Status, interfaces.ErrInvalidTransition)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*interfaces.Job, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*interfaces.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*interfaces.Job, error) {
	var (
		job         interfaces.Job
		status      string
		payload     []byte
		result      []byte
		runAt       scanTime
		createdAt   scanTime
		startedAt   scanTime
		completedAt scanTime
	)

	err := row.Scan(
		&job.ID, &job.Type, &payload, &status, &job.Priority, &runAt,
		&job.Attempts, &job.MaxAttempts, &result, &job.Error,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = interfaces.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.RunAt = runAt.Time
	job.CreatedAt = createdAt.Time
	job.StartedAt = startedAt.Ptr()
	job.CompletedAt = completedAt.Ptr()
	return &job, nil
}

// scanTime reads a nullable timestamp. SQLite hands back text instead of
// time.Time for columns without a declared type, as in a RETURNING list.
type scanTime struct {
	Time  time.Time
	Valid bool
}

func (t *scanTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	}
	return fmt.Errorf("cannot scan %T into a timestamp", v)
}

func (t *scanTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

// Ptr returns nil for NULL.
func (t scanTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func statusArgs(statuses []interfaces.JobStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

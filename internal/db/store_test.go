package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/jobworks/internal/backoff"
	"github.com/mtr002/jobworks/internal/interfaces"
)

// testClock is a settable clock shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *testClock) *Store

func openSQLiteStore(t *testing.T, clock *testClock) *Store {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	conn, err := Connect(ctx, Config{Dialect: SQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, RunMigrations(ctx, conn, SQLite))
	return NewStore(conn, SQLite, WithClock(clock.Now), WithBackoff(backoff.Default()))
}

func TestStoreSQLite(t *testing.T) {
	runStoreSuite(t, openSQLiteStore)
}

func runStoreSuite(t *testing.T, open storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *Store, clock *testClock)
	}{
		{"CreateDefaults", testCreateDefaults},
		{"CreateValidation", testCreateValidation},
		{"FetchReadyOrdering", testFetchReadyOrdering},
		{"FetchReadyLimitAndFuture", testFetchReadyLimitAndFuture},
		{"ClaimExactlyOnce", testClaimExactlyOnce},
		{"ClaimSkipsNotDue", testClaimSkipsNotDue},
		{"ClaimUnderCancellation", testClaimUnderCancellation},
		{"FailRetriesThenTerminal", testFailRetriesThenTerminal},
		{"FailRequiresRunning", testFailRequiresRunning},
		{"FailAtBackoffCap", testFailAtBackoffCap},
		{"CompleteOverwrites", testCompleteOverwrites},
		{"TerminalImmutability", testTerminalImmutability},
		{"Cancel", testCancel},
		{"Stats", testStats},
		{"Cleanup", testCleanup},
		{"RecoverStale", testRecoverStale},
		{"GetUnknown", testGetUnknown},
		{"List", testList},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			tt.fn(t, open(t, clock), clock)
		})
	}
}

func mustCreate(t *testing.T, s *Store, jobType string, opts interfaces.EnqueueOptions) *interfaces.Job {
	t.Helper()
	job, err := s.Create(context.Background(), jobType, json.RawMessage(`{"msg":"hi"}`), opts)
	require.NoError(t, err)
	return job
}

func mustClaim(t *testing.T, s *Store, id string) *interfaces.Job {
	t.Helper()
	job, err := s.Claim(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job, "expected claim of %s to succeed", id)
	return job
}

func testCreateDefaults(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()
	job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Type)
	assert.JSONEq(t, `{"msg":"hi"}`, string(got.Payload))
	assert.Equal(t, interfaces.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, interfaces.DefaultMaxAttempts, got.MaxAttempts)
	assert.Equal(t, 0, got.Priority)
	assert.WithinDuration(t, clock.Now(), got.RunAt, time.Millisecond)
	assert.WithinDuration(t, clock.Now(), got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)
}

func testCreateValidation(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()

	_, err := s.Create(ctx, "", nil, interfaces.EnqueueOptions{})
	assert.ErrorIs(t, err, interfaces.ErrEmptyType)

	_, err = s.Create(ctx, "echo", json.RawMessage(`{not json`), interfaces.EnqueueOptions{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidPayload)

	job, err := s.Create(ctx, "echo", nil, interfaces.EnqueueOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(job.Payload))
}

func testFetchReadyOrdering(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()
	t0 := clock.Now().Add(-time.Minute)
	t1 := t0.Add(time.Second)

	a := mustCreate(t, s, "a", interfaces.EnqueueOptions{Priority: 5, RunAt: &t0})
	clock.Advance(time.Millisecond)
	b := mustCreate(t, s, "b", interfaces.EnqueueOptions{Priority: 10, RunAt: &t0})
	clock.Advance(time.Millisecond)
	d := mustCreate(t, s, "d", interfaces.EnqueueOptions{Priority: 5, RunAt: &t1})
	clock.Advance(time.Millisecond)
	c := mustCreate(t, s, "c", interfaces.EnqueueOptions{Priority: 5, RunAt: &t0})

	jobs, err := s.FetchReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	assert.Equal(t, b.ID, jobs[0].ID, "higher priority first")
	// a and c share priority and run_at; a was created first.
	assert.Equal(t, a.ID, jobs[1].ID)
	assert.Equal(t, c.ID, jobs[2].ID)
	assert.Equal(t, d.ID, jobs[3].ID, "later run_at last within a priority")
}

func testFetchReadyLimitAndFuture(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()
	future := clock.Now().Add(time.Hour)

	for i := 0; i < 3; i++ {
		mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	}
	later := mustCreate(t, s, "echo", interfaces.EnqueueOptions{RunAt: &future})

	jobs, err := s.FetchReady(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = s.FetchReady(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.NotEqual(t, later.ID, j.ID)
	}

	jobs, err = s.FetchReady(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testClaimExactlyOnce(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()
	job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})

	const claimants = 16
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		lost    atomic.Int32
		errored atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := s.Claim(ctx, job.ID)
			switch {
			case err != nil:
				errored.Add(1)
			case claimed != nil:
				won.Add(1)
			default:
				lost.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 0, errored.Load())
	assert.EqualValues(t, 1, won.Load())
	assert.EqualValues(t, claimants-1, lost.Load())

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)
}

func testClaimSkipsNotDue(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()
	future := clock.Now().Add(time.Minute)
	job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{RunAt: &future})

	claimed, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clock.Advance(time.Minute)
	mustClaim(t, s, job.ID)

	claimed, err = s.Claim(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

// cancelAfter reports itself cancelled once Done and Err together have
// been called more than n times.
type cancelAfter struct {
	context.Context
	n     int32
	calls atomic.Int32
	done  chan struct{}
}

func newCancelAfter(n int) *cancelAfter {
	done := make(chan struct{})
	close(done)
	return &cancelAfter{Context: context.Background(), n: int32(n), done: done}
}

func (c *cancelAfter) tripped() bool { return c.calls.Add(1) > c.n }

func (c *cancelAfter) Done() <-chan struct{} {
	if c.tripped() {
		return c.done
	}
	return nil
}

func (c *cancelAfter) Err() error {
	if c.tripped() {
		return context.Canceled
	}
	return nil
}

// A claim either leaves the row untouched and reports the error, or returns
// the claimed row. It never moves the row to running and then errors.
func testClaimUnderCancellation(t *testing.T, s *Store, _ *testClock) {
	for n := 0; n < 8; n++ {
		job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})

		claimed, err := s.Claim(newCancelAfter(n), job.ID)

		got, gerr := s.Get(context.Background(), job.ID)
		require.NoError(t, gerr)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled, "cancel after %d", n)
			assert.Equal(t, interfaces.StatusPending, got.Status, "cancel after %d", n)
			assert.Equal(t, 0, got.Attempts, "cancel after %d", n)
			continue
		}
		require.NotNil(t, claimed, "cancel after %d", n)
		assert.Equal(t, interfaces.StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.Equal(t, interfaces.StatusRunning, got.Status)
		assert.Equal(t, claimed.StartedAt, got.StartedAt)
	}
}

func testFailRetriesThenTerminal(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()
	job := mustCreate(t, s, "flaky", interfaces.EnqueueOptions{MaxAttempts: 3})

	var prevRunAt time.Time
	for attempt := 1; attempt <= 2; attempt++ {
		mustClaim(t, s, job.ID)
		failed, err := s.Fail(ctx, job.ID, "boom")
		require.NoError(t, err)

		assert.Equal(t, interfaces.StatusPending, failed.Status)
		assert.Equal(t, attempt, failed.Attempts)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusPending, got.Status)
		assert.Equal(t, "boom", got.Error)
		assert.Nil(t, got.StartedAt)
		assert.WithinDuration(t, clock.Now().Add(backoff.Default().Delay(attempt)), got.RunAt, time.Millisecond)
		assert.True(t, got.RunAt.After(prevRunAt))
		prevRunAt = got.RunAt

		ready, err := s.FetchReady(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready, "job must wait out its backoff")

		clock.Advance(backoff.Default().Delay(attempt))
	}

	mustClaim(t, s, job.ID)
	failed, err := s.Fail(ctx, job.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFailed, failed.Status)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "final", got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Result)
}

func testFailRequiresRunning(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()
	job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})

	_, err := s.Fail(ctx, job.ID, "not claimed")
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func testFailAtBackoffCap(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()
	capped := NewStore(s.db, s.dialect, WithClock(clock.Now),
		WithBackoff(backoff.Policy{Base: time.Minute, Max: 4 * time.Minute}))
	job := mustCreate(t, capped, "flaky", interfaces.EnqueueOptions{MaxAttempts: 6})

	var prevRunAt time.Time
	for attempt := 1; attempt <= 5; attempt++ {
		mustClaim(t, capped, job.ID)
		failed, err := capped.Fail(ctx, job.ID, "boom")
		require.NoError(t, err)
		require.Equal(t, interfaces.StatusPending, failed.Status)
		assert.True(t, failed.RunAt.After(prevRunAt), "attempt %d", attempt)
		prevRunAt = failed.RunAt

		if attempt >= 2 {
			assert.Equal(t, 4*time.Minute, failed.RunAt.Sub(clock.Now()), "attempt %d", attempt)
		}
		clock.Advance(failed.RunAt.Sub(clock.Now()))
	}
}

func testCompleteOverwrites(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()
	job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, job.ID)

	require.NoError(t, s.Complete(ctx, job.ID, json.RawMessage(`{"echo":"hi"}`)))
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)

	require.NoError(t, s.Complete(ctx, job.ID, json.RawMessage(`{"echo":"again"}`)))
	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"echo":"again"}`, string(got.Result))
}

func testTerminalImmutability(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()

	completed := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, completed.ID)
	require.NoError(t, s.Complete(ctx, completed.ID, json.RawMessage(`1`)))

	failed := mustCreate(t, s, "echo", interfaces.EnqueueOptions{MaxAttempts: 1})
	mustClaim(t, s, failed.ID)
	_, err := s.Fail(ctx, failed.ID, "boom")
	require.NoError(t, err)

	cancelled := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	ok, err := s.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(24 * time.Hour)

	for _, tc := range []struct {
		id     string
		status interfaces.JobStatus
	}{
		{completed.ID, interfaces.StatusCompleted},
		{failed.ID, interfaces.StatusFailed},
		{cancelled.ID, interfaces.StatusCancelled},
	} {
		claimed, err := s.Claim(ctx, tc.id)
		require.NoError(t, err)
		assert.Nil(t, claimed)

		ok, err := s.Cancel(ctx, tc.id)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Fail(ctx, tc.id, "late")
		assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

		if tc.status != interfaces.StatusCompleted {
			err = s.Complete(ctx, tc.id, json.RawMessage(`2`))
			assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)
		}

		got, err := s.Get(ctx, tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.status, got.Status)
	}
}

func testCancel(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()
	job := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})

	ok, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ready, err := s.FetchReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	claimed, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	running := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, running.ID)
	ok, err = s.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok, "running jobs are not cancellable")

	_, err = s.Cancel(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func testStats(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()

	counts, err := s.Stats(ctx)
	require.NoError(t, err)
	for _, st := range interfaces.AllStatuses {
		assert.Zero(t, counts[st])
	}

	mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	running := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, running.ID)
	cancelled := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	_, err = s.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	counts, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[interfaces.StatusPending])
	assert.EqualValues(t, 1, counts[interfaces.StatusRunning])
	assert.EqualValues(t, 1, counts[interfaces.StatusCancelled])
	assert.EqualValues(t, 0, counts[interfaces.StatusCompleted])
	assert.EqualValues(t, 3, counts.Total())
}

func testCleanup(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()

	old := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, old.ID)
	require.NoError(t, s.Complete(ctx, old.ID, nil))
	oldPending := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})

	clock.Advance(8 * 24 * time.Hour)
	recent := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	_, err := s.Cancel(ctx, recent.ID)
	require.NoError(t, err)

	n, err := s.Cleanup(ctx, clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	_, err = s.Get(ctx, oldPending.ID)
	assert.NoError(t, err, "non-terminal jobs survive cleanup")
	_, err = s.Get(ctx, recent.ID)
	assert.NoError(t, err, "recent terminal jobs survive cleanup")
}

func testRecoverStale(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()

	stuck := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, stuck.ID)
	lastChance := mustCreate(t, s, "echo", interfaces.EnqueueOptions{MaxAttempts: 1})
	mustClaim(t, s, lastChance.ID)

	clock.Advance(10 * time.Minute)
	fresh := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	mustClaim(t, s, fresh.ID)

	n, err := s.RecoverStale(ctx, clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, got.Status)
	assert.Contains(t, got.Error, "worker presumed lost")

	got, err = s.Get(ctx, lastChance.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFailed, got.Status)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRunning, got.Status)
}

func testGetUnknown(t *testing.T, s *Store, _ *testClock) {
	ctx := context.Background()

	_, err := s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)

	_, err = s.Get(ctx, "bogus")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func testList(t *testing.T, s *Store, clock *testClock) {
	ctx := context.Background()

	first := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	clock.Advance(time.Second)
	second := mustCreate(t, s, "echo", interfaces.EnqueueOptions{})
	_, err := s.Cancel(ctx, second.ID)
	require.NoError(t, err)

	all, err := s.List(ctx, interfaces.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")
	assert.Equal(t, first.ID, all[1].ID)

	pending, err := s.List(ctx, interfaces.ListFilter{Status: interfaces.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestRebind(t *testing.T) {
	q := "UPDATE jobs SET a = ? WHERE id = ? AND b IN (?, ?)"
	assert.Equal(t, "UPDATE jobs SET a = $1 WHERE id = $2 AND b IN ($3, $4)", Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = ParseDialect("sqlite")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtr002/jobworks/internal/db"
	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/registry"
)

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

func openStore(t *testing.T, clock *testClock) *db.Store {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	conn, err := db.Connect(ctx, db.Config{Dialect: db.SQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.RunMigrations(ctx, conn, db.SQLite))
	return db.NewStore(conn, db.SQLite, db.WithClock(clock.Now))
}

func enqueue(t *testing.T, s interfaces.JobStore, jobType, payload string, opts interfaces.EnqueueOptions) *interfaces.Job {
	t.Helper()
	job, err := s.Create(context.Background(), jobType, json.RawMessage(payload), opts)
	require.NoError(t, err)
	return job
}

func reload(t *testing.T, s interfaces.JobStore, id string) *interfaces.Job {
	t.Helper()
	job, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register("echo", registry.Typed(func(_ context.Context, p struct {
		Msg string `json:"msg"`
	}) (map[string]string, error) {
		return map[string]string{"echo": p.Msg}, nil
	}))
	reg.Register("always_fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	return reg
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []interfaces.JobEvent
}

func (r *recordingSink) Publish(ev interfaces.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) statuses(jobID string) []interfaces.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interfaces.JobStatus
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/jobs"
)

func TestSweepOnce(t *testing.T) {
	clock := newTestClock()
	store := openStore(t, clock)
	manager := jobs.NewManager(store, 0, nil, jobs.WithClock(clock.Now))
	ctx := context.Background()

	done := enqueue(t, store, "echo", `{}`, interfaces.EnqueueOptions{})
	_, err := store.Claim(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done.ID, nil))

	stuck := enqueue(t, store, "echo", `{}`, interfaces.EnqueueOptions{})
	_, err = store.Claim(ctx, stuck.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh := enqueue(t, store, "echo", `{}`, interfaces.EnqueueOptions{})

	sweeper := NewSweeper(manager, SweeperConfig{Retention: time.Hour, StaleAfter: 30 * time.Minute})
	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Deleted: 1, Recovered: 1}, res)

	_, err = store.Get(ctx, done.ID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)

	got := reload(t, store, stuck.ID)
	assert.Equal(t, interfaces.StatusPending, got.Status)
	assert.Contains(t, got.Error, "worker presumed lost")

	assert.Equal(t, interfaces.StatusPending, reload(t, store, fresh.ID).Status)
}

func TestSweepOnceDisabled(t *testing.T) {
	clock := newTestClock()
	store := openStore(t, clock)
	manager := jobs.NewManager(store, 0, nil, jobs.WithClock(clock.Now))
	ctx := context.Background()

	stuck := enqueue(t, store, "echo", `{}`, interfaces.EnqueueOptions{})
	_, err := store.Claim(ctx, stuck.ID)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)

	res, err := NewSweeper(manager, SweeperConfig{}).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, interfaces.StatusRunning, reload(t, store, stuck.ID).Status)
}

package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/storage"
)

func tickConfig(intervalMS int) config.Source {
	return config.Static(config.Config{Queue: config.QueueConfig{TickIntervalMS: intervalMS, MaxAttempts: 3}})
}

func TestRegisterTickCreatesSchedule(t *testing.T) {
	store, clock := openTestStore(t)
	s := NewScheduler(store, tickConfig(300000))
	ctx := context.Background()

	ok, err := s.RegisterTick(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	sc, err := store.GetSchedule(ctx, TickSchedule)
	require.NoError(t, err)
	assert.Equal(t, Orchestrator, sc.Queue)
	assert.Equal(t, 5*time.Minute, sc.Every)
	assert.WithinDuration(t, clock.now().Add(5*time.Minute), sc.NextRunAt, 0)

	// The lock is released afterwards.
	got, err := store.AcquireLock(ctx, TickLock, "someone-else", time.Second)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestRegisterTickIsIdempotent(t *testing.T) {
	store, clock := openTestStore(t)
	s := NewScheduler(store, tickConfig(300000))
	ctx := context.Background()

	_, err := s.RegisterTick(ctx)
	require.NoError(t, err)
	first, err := store.GetSchedule(ctx, TickSchedule)
	require.NoError(t, err)

	clock.advance(time.Minute)
	_, err = NewScheduler(store, tickConfig(300000)).RegisterTick(ctx)
	require.NoError(t, err)

	second, err := store.GetSchedule(ctx, TickSchedule)
	require.NoError(t, err)
	assert.WithinDuration(t, first.NextRunAt, second.NextRunAt, 0)
}

func TestRegisterTickClampsInterval(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, err := NewScheduler(store, tickConfig(1000)).RegisterTick(ctx)
	require.NoError(t, err)

	sc, err := store.GetSchedule(ctx, TickSchedule)
	require.NoError(t, err)
	assert.Equal(t, config.MinTickInterval, sc.Every)
}

func TestRegisterTickUpdatesInterval(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, err := NewScheduler(store, tickConfig(300000)).RegisterTick(ctx)
	require.NoError(t, err)
	_, err = NewScheduler(store, tickConfig(120000)).RegisterTick(ctx)
	require.NoError(t, err)

	sc, err := store.GetSchedule(ctx, TickSchedule)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, sc.Every)
}

func TestRegisterTickSkipsWhenLockHeld(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	held, err := store.AcquireLock(ctx, TickLock, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	ok, err := NewScheduler(store, tickConfig(300000)).RegisterTick(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.GetSchedule(ctx, TickSchedule)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFireDueAddsOneJobPerTick(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	a := NewScheduler(store, tickConfig(60000))
	b := NewScheduler(store, tickConfig(60000))

	job, err := a.FireDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "no schedule registered yet")

	_, err = a.RegisterTick(ctx)
	require.NoError(t, err)

	job, err = a.FireDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "not due yet")

	clock.advance(time.Minute)
	job, err = a.FireDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, Orchestrator, job.Queue)

	// A second instance firing for the same due time adds nothing.
	again, err := b.FireDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	tick, err := ParseTick(*job)
	require.NoError(t, err)
	assert.Equal(t, TickSchedule, tick.Schedule)

	counts, err := store.CountJobs(ctx, Orchestrator)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[storage.JobWaiting])
}

func TestLogTicksHandler(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	s := NewScheduler(store, tickConfig(60000))
	_, err := s.RegisterTick(ctx)
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = s.FireDue(ctx)
	require.NoError(t, err)

	tickets := New(store, TicketGeneration, 3)
	_, err = tickets.Enqueue(ctx, "T-1")
	require.NoError(t, err)

	handler := LogTicks(tickets, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w := NewWorker(store, Orchestrator, handler, 0, 0)
	done, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	counts, err := store.CountJobs(ctx, Orchestrator)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[storage.JobCompleted])
	// Ticks only signal; the watched queue is untouched.
	tc, err := tickets.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tc[storage.JobWaiting])
}

func TestSchedulerRunFiresTicks(t *testing.T) {
	store, clock := openTestStore(t)
	s := NewScheduler(store, tickConfig(60000))
	s.SetPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.GetSchedule(context.Background(), TickSchedule)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	clock.advance(time.Minute)
	require.Eventually(t, func() bool {
		counts, err := store.CountJobs(context.Background(), Orchestrator)
		return err == nil && counts[storage.JobWaiting] == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

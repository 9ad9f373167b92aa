package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/qaknow/internal/storage"
)

// Handler processes one job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job storage.Job) error

// JobStore abstracts the claim side of the job table.
type JobStore interface {
	ClaimNextJob(ctx context.Context, queue string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (string, error)
	RequeueStaleJobs(ctx context.Context, queue string, lease time.Duration) (int, error)
	TouchJob(ctx context.Context, id string) error
}

// Worker processes jobs from one queue.
type Worker struct {
	store     JobStore
	queue     string
	handle    Handler
	poll      time.Duration
	lease     time.Duration
	lastSweep time.Time
	logger    *slog.Logger
}

// NewWorker creates a Worker for queue. If pollInterval is <= 0, it
// defaults to 500ms. A lease <= 0 disables stale job recovery. While a
// handler runs, the job's lease is renewed every lease/3.
func NewWorker(store JobStore, queue string, handle Handler, pollInterval, lease time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		queue:  queue,
		handle: handle,
		poll:   pollInterval,
		lease:  lease,
		logger: slog.Default().With("queue", queue),
	}
}

// SetLogger replaces the worker's logger.
func (w *Worker) SetLogger(l *slog.Logger) {
	w.logger = l.With("queue", w.queue)
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.sweep(ctx)

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// sweep returns expired active jobs to waiting, at most twice per lease.
func (w *Worker) sweep(ctx context.Context) {
	if w.lease <= 0 || time.Since(w.lastSweep) < w.lease/2 {
		return
	}
	w.lastSweep = time.Now()
	n, err := w.store.RequeueStaleJobs(ctx, w.queue, w.lease)
	if err != nil {
		w.logger.Error("requeueing stale jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stale jobs", "count", n)
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, w.queue)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	stop := w.heartbeat(ctx, job.ID)
	err = w.handle(ctx, *job)
	stop()
	if err != nil {
		state, failErr := w.store.FailJob(ctx, job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "state", state, "error", err)
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Debug("job completed", "job_id", job.ID)
	return true, nil
}

// heartbeat renews the job's lease until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, id string) (stop func()) {
	if w.lease <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.TouchJob(ctx, id); err != nil && ctx.Err() == nil {
					w.logger.Warn("renewing job lease", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Package queue is a durable at-least-once job queue over the storage
// jobs table, with per-entity deduplication, a polling worker and a
// lock-guarded periodic tick producer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/qaknow/internal/storage"
)

var (
	// ErrQueueOperationFailed wraps backend failures.
	ErrQueueOperationFailed = errors.New("queue operation failed")

	ErrNotFound     = storage.ErrNotFound
	ErrInvalidState = storage.ErrInvalidState
)

// Queue names.
const (
	TicketGeneration = "ticket-generation"
	Orchestrator     = "orchestrator"
)

// Backend is the durable job table.
type Backend interface {
	AddJob(ctx context.Context, job storage.Job) (bool, error)
	GetJob(ctx context.Context, id string) (storage.Job, error)
	PendingJobForEntity(ctx context.Context, queue, entityID string) (storage.Job, error)
	LatestJobForEntity(ctx context.Context, queue, entityID string) (storage.Job, error)
	ListJobs(ctx context.Context, queue, state string, limit int) ([]storage.Job, error)
	CountJobs(ctx context.Context, queue string) (map[string]int, error)
	RetryJob(ctx context.Context, id string) error
	RemoveJob(ctx context.Context, id string) error
}

// Queue is a named queue. A Queue with an empty name inspects every queue
// and cannot enqueue.
type Queue struct {
	name        string
	backend     Backend
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// New returns the named queue. maxAttempts <= 0 means a single attempt.
func New(backend Backend, name string, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Queue{
		name:        name,
		backend:     backend,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// All returns an inspection handle spanning every queue.
func All(backend Backend) *Queue {
	return New(backend, "", 1)
}

func (q *Queue) Name() string { return q.name }

// SetClock overrides the clock used to mint job ids.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

type entityPayload struct {
	EntityID string `json:"entity_id"`
}

// Enqueue adds a job for the entity and returns its id. An empty id means
// the entity already has a waiting, delayed or active job. Once the prior
// job has completed or failed, a fresh id "{entityID}-{unixMillis}" is
// minted so the backend's own id guard does not swallow the new attempt.
func (q *Queue) Enqueue(ctx context.Context, entityID string) (string, error) {
	if q.name == "" {
		return "", fmt.Errorf("%w: enqueue on unnamed queue", ErrQueueOperationFailed)
	}
	if entityID == "" {
		return "", fmt.Errorf("%w: empty entity id", ErrQueueOperationFailed)
	}

	pending, err := q.backend.PendingJobForEntity(ctx, q.name, entityID)
	switch {
	case err == nil:
		q.logger.Debug("job already queued", "queue", q.name, "entity_id", entityID, "job_id", pending.ID, "state", pending.State)
		return "", nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("%w: looking up %s: %v", ErrQueueOperationFailed, entityID, err)
	}

	id := entityID
	_, err = q.backend.LatestJobForEntity(ctx, q.name, entityID)
	switch {
	case err == nil:
		id = fmt.Sprintf("%s-%d", entityID, q.now().UnixMilli())
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("%w: looking up %s: %v", ErrQueueOperationFailed, entityID, err)
	}

	payload, err := json.Marshal(entityPayload{EntityID: entityID})
	if err != nil {
		return "", fmt.Errorf("%w: encoding payload: %v", ErrQueueOperationFailed, err)
	}
	added, err := q.backend.AddJob(ctx, storage.Job{
		ID:          id,
		Queue:       q.name,
		EntityID:    entityID,
		PayloadJSON: string(payload),
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("%w: adding job %s: %v", ErrQueueOperationFailed, id, err)
	}
	if !added {
		return "", nil
	}
	q.logger.Info("job enqueued", "queue", q.name, "entity_id", entityID, "job_id", id)
	return id, nil
}

// EntityID decodes the entity a job was enqueued for.
func EntityID(job storage.Job) (string, error) {
	var p entityPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	if p.EntityID == "" {
		return job.EntityID, nil
	}
	return p.EntityID, nil
}

// Job returns a job by id.
func (q *Queue) Job(ctx context.Context, id string) (storage.Job, error) {
	j, err := q.backend.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, q.wrap("getting job "+id, err)
	}
	return j, nil
}

// List returns jobs newest first, optionally filtered by state.
func (q *Queue) List(ctx context.Context, state string, limit int) ([]storage.Job, error) {
	if state != "" && !validState(state) {
		return nil, fmt.Errorf("unknown job state %q: %w", state, ErrInvalidState)
	}
	if limit <= 0 {
		limit = 50
	}
	jobs, err := q.backend.ListJobs(ctx, q.name, state, limit)
	if err != nil {
		return nil, q.wrap("listing jobs", err)
	}
	return jobs, nil
}

// Counts returns the number of jobs in each state.
func (q *Queue) Counts(ctx context.Context) (map[string]int, error) {
	counts, err := q.backend.CountJobs(ctx, q.name)
	if err != nil {
		return nil, q.wrap("counting jobs", err)
	}
	return counts, nil
}

// Retry moves a failed job back to waiting with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.backend.RetryJob(ctx, id); err != nil {
		return q.wrap("retrying job "+id, err)
	}
	q.logger.Info("job retried", "job_id", id)
	return nil
}

// Remove deletes a job that is not active.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.backend.RemoveJob(ctx, id); err != nil {
		return q.wrap("removing job "+id, err)
	}
	q.logger.Info("job removed", "job_id", id)
	return nil
}

// wrap keeps operator-facing sentinels and maps everything else to
// ErrQueueOperationFailed.
func (q *Queue) wrap(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidState) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrQueueOperationFailed, op, err)
}

func validState(s string) bool {
	for _, st := range storage.JobStates {
		if st == s {
			return true
		}
	}
	return false
}

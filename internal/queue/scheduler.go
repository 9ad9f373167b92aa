package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/storage"
)

const (
	// TickSchedule is the name of the single periodic tick.
	TickSchedule = "tick"
	// TickLock guards tick registration across instances.
	TickLock = "scheduler:tick"

	lockTTL         = 30 * time.Second
	defaultFirePoll = time.Second
)

// ScheduleStore is the lock and schedule side of the backend.
type ScheduleStore interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	GetSchedule(ctx context.Context, name string) (storage.Schedule, error)
	SaveSchedule(ctx context.Context, name, queue string, every time.Duration) error
	FireDueSchedule(ctx context.Context, name string, maxAttempts int) (*storage.Job, error)
}

// Scheduler registers and fires the periodic tick. It only signals: each
// firing adds one job to the orchestrator queue.
type Scheduler struct {
	store      ScheduleStore
	cfg        config.Source
	owner      string
	poll       time.Duration
	registered time.Duration
	logger     *slog.Logger
}

func NewScheduler(store ScheduleStore, cfg config.Source) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		owner:  uuid.New().String(),
		poll:   defaultFirePoll,
		logger: slog.Default(),
	}
}

// SetLogger replaces the scheduler's logger.
func (s *Scheduler) SetLogger(l *slog.Logger) {
	s.logger = l
}

// SetPollInterval sets how often Run checks for a due tick.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

// RegisterTick installs or updates the tick schedule under the
// registration lock. It is idempotent and reports whether this instance
// performed the registration; false means another instance holds the lock.
func (s *Scheduler) RegisterTick(ctx context.Context) (bool, error) {
	cfg, err := s.cfg.Get(ctx, false)
	if err != nil {
		return false, fmt.Errorf("loading config: %w", err)
	}
	every := cfg.Queue.TickInterval()

	ok, err := s.store.AcquireLock(ctx, TickLock, s.owner, lockTTL)
	if err != nil {
		return false, fmt.Errorf("%w: acquiring %s: %v", ErrQueueOperationFailed, TickLock, err)
	}
	if !ok {
		s.logger.Debug("tick registration held by another instance")
		return false, nil
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), TickLock, s.owner); err != nil {
			s.logger.Warn("releasing tick lock", "error", err)
		}
	}()

	existing, err := s.store.GetSchedule(ctx, TickSchedule)
	switch {
	case err == nil && existing.Every == every && existing.Queue == Orchestrator:
		s.registered = every
		return true, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("%w: reading schedule: %v", ErrQueueOperationFailed, err)
	}

	if err := s.store.SaveSchedule(ctx, TickSchedule, Orchestrator, every); err != nil {
		return false, fmt.Errorf("%w: saving schedule: %v", ErrQueueOperationFailed, err)
	}
	s.registered = every
	s.logger.Info("tick registered", "every", every.String())
	return true, nil
}

// FireDue adds the tick job if the schedule is due. It returns nil when
// the tick is not due or another instance fired it.
func (s *Scheduler) FireDue(ctx context.Context) (*storage.Job, error) {
	cfg, err := s.cfg.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	job, err := s.store.FireDueSchedule(ctx, TickSchedule, cfg.Queue.MaxAttempts)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: firing tick: %v", ErrQueueOperationFailed, err)
	}
	if job != nil {
		s.logger.Info("tick fired", "job_id", job.ID)
	}
	return job, nil
}

// Run registers the tick and fires it whenever due until ctx is cancelled.
// A changed tick interval in config is re-registered on the next poll.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.RegisterTick(ctx); err != nil {
		s.logger.Error("registering tick", "error", err)
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if cfg, err := s.cfg.Get(ctx, false); err == nil && cfg.Queue.TickInterval() != s.registered {
			if _, err := s.RegisterTick(ctx); err != nil {
				s.logger.Error("registering tick", "error", err)
			}
		}
		if _, err := s.FireDue(ctx); err != nil {
			s.logger.Error("firing tick", "error", err)
		}
	}
}

// Tick is the payload of an orchestrator job.
type Tick struct {
	Schedule string `json:"schedule"`
	DueAt    string `json:"due_at"`
}

// ParseTick decodes a tick job payload.
func ParseTick(job storage.Job) (Tick, error) {
	var t Tick
	if err := json.Unmarshal([]byte(job.PayloadJSON), &t); err != nil {
		return Tick{}, fmt.Errorf("parsing tick payload: %w", err)
	}
	return t, nil
}

// LogTicks returns the default orchestrator handler: it records the tick
// along with the watched queue's counts.
func LogTicks(watched *Queue, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job storage.Job) error {
		t, err := ParseTick(job)
		if err != nil {
			return err
		}
		counts, err := watched.Counts(ctx)
		if err != nil {
			return err
		}
		logger.Info("tick",
			"schedule", t.Schedule,
			"due_at", t.DueAt,
			"queue", watched.Name(),
			"waiting", counts[storage.JobWaiting],
			"active", counts[storage.JobActive],
			"failed", counts[storage.JobFailed],
		)
		return nil
	}
}

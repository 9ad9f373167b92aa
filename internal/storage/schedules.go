package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Locks ---

// AcquireLock takes the named lock for owner if it is free or expired
// (set-if-not-exists with a TTL). It reports whether owner now holds it.
func (s *Store) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	nowT := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning lock transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND expires_at <= ?`, name, formatTime(nowT)); err != nil {
		return false, fmt.Errorf("expiring lock %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING`, name, owner, formatTime(nowT.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("inserting lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing lock %s: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// --- Schedules ---

func (s *Store) GetSchedule(ctx context.Context, name string) (Schedule, error) {
	var sc Schedule
	var everyMS int64
	var next, created, updated string
	err := s.db.QueryRowContext(ctx, `SELECT name, queue, every_ms, next_run_at, created_at, updated_at
		FROM schedules WHERE name = ?`, name,
	).Scan(&sc.Name, &sc.Queue, &everyMS, &next, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, err
	}
	sc.Every = time.Duration(everyMS) * time.Millisecond
	if sc.NextRunAt, err = parseTime(next); err != nil {
		return Schedule{}, fmt.Errorf("parsing next_run_at: %w", err)
	}
	if sc.CreatedAt, err = parseTime(created); err != nil {
		return Schedule{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sc.UpdatedAt, err = parseTime(updated); err != nil {
		return Schedule{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sc, nil
}

// SaveSchedule inserts a schedule or changes the interval of an existing
// one. A changed interval reschedules the next run from now.
func (s *Store) SaveSchedule(ctx context.Context, name, queue string, every time.Duration) error {
	nowT := s.now()
	now := formatTime(nowT)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, queue, every_ms, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			queue = excluded.queue,
			next_run_at = CASE WHEN schedules.every_ms = excluded.every_ms THEN schedules.next_run_at ELSE excluded.next_run_at END,
			every_ms = excluded.every_ms,
			updated_at = excluded.updated_at`,
		name, queue, every.Milliseconds(), formatTime(nowT.Add(every)), now, now,
	)
	return err
}

// FireDueSchedule advances a due schedule by one or more intervals and adds
// a single job for the due time. The advance is a compare-and-swap on
// next_run_at and the job id is derived from the due time, so concurrent
// callers produce at most one job per firing. The added job is returned, or
// nil when the schedule was not due or another caller won.
func (s *Store) FireDueSchedule(ctx context.Context, name string, maxAttempts int) (*Job, error) {
	sc, err := s.GetSchedule(ctx, name)
	if err != nil {
		return nil, err
	}
	nowT := s.now()
	if sc.NextRunAt.After(nowT) {
		return nil, nil
	}
	if sc.Every <= 0 {
		return nil, fmt.Errorf("schedule %s has non-positive interval", name)
	}

	due := sc.NextRunAt
	next := due
	for !next.After(nowT) {
		next = next.Add(sc.Every)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning fire transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE schedules SET next_run_at = ?, updated_at = ?
		WHERE name = ? AND next_run_at = ?`, formatTime(next), formatTime(nowT), name, formatTime(due))
	if err != nil {
		return nil, fmt.Errorf("advancing schedule %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}

	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	job := Job{
		ID:          fmt.Sprintf("tick-%s-%d", name, due.UnixMilli()),
		Queue:       sc.Queue,
		EntityID:    name,
		PayloadJSON: fmt.Sprintf(`{"schedule":%q,"due_at":%q}`, name, formatTime(due)),
		State:       JobWaiting,
		MaxAttempts: maxAttempts,
	}
	now := formatTime(nowT)
	res, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, entity_id, payload_json, state, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'waiting', 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Queue, job.EntityID, job.PayloadJSON, job.MaxAttempts, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("adding tick job: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fire: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	job.RunAfter, job.CreatedAt, job.UpdatedAt = nowT, nowT, nowT
	return &job, nil
}

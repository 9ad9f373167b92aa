package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

const jobColumns = `id, queue, entity_id, payload_json, state, attempts, max_attempts, run_after, created_at, updated_at, finished_at, last_error`

// AddJob inserts a job. An id collision is a no-op: added reports whether a
// new row was written. Jobs with a future RunAfter start out delayed.
func (s *Store) AddJob(ctx context.Context, job Job) (bool, error) {
	nowT := s.now()
	now := formatTime(nowT)
	state := JobWaiting
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
		if job.RunAfter.After(nowT) {
			state = JobDelayed
		}
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, entity_id, payload_json, state, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Queue, job.EntityID, payload, state, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// LatestJobForEntity returns the most recently created job for an entity on a queue.
func (s *Store) LatestJobForEntity(ctx context.Context, queue, entityID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM jobs WHERE queue = ? AND entity_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, queue, entityID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// PendingJobForEntity returns the newest waiting, delayed or active job for
// an entity on a queue.
func (s *Store) PendingJobForEntity(ctx context.Context, queue, entityID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM jobs WHERE queue = ? AND entity_id = ? AND state IN ('waiting', 'delayed', 'active')
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, queue, entityID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNextJob moves the oldest due job on the queue to active and returns it.
// Returns nil when nothing is due. Delayed jobs whose time has come are
// promoted to waiting first.
func (s *Store) ClaimNextJob(ctx context.Context, queue string) (*Job, error) {
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'waiting', updated_at = ?
		WHERE queue = ? AND state = 'delayed' AND run_after <= ?`, now, queue, now); err != nil {
		return nil, fmt.Errorf("promoting delayed jobs: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM jobs
		WHERE queue = ? AND state = 'waiting' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC, rowid ASC
		LIMIT 1`, queue, now)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing promotion: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'active', updated_at = ? WHERE id = ? AND state = 'waiting'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.State = JobActive
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = 'completed', updated_at = ?, finished_at = ?, last_error = NULL
		WHERE id = ? AND state = 'active'`, now, now, id)
	if err != nil {
		return err
	}
	return s.requireChanged(ctx, res, id)
}

// FailJob records a failed attempt. While attempts remain the job is delayed
// with exponential backoff; after the last attempt it is left failed for an
// operator to inspect. The resulting state is returned.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	nowT := s.now()
	now := formatTime(nowT)
	attempts++

	state := JobFailed
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET state = 'failed', attempts = ?, last_error = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
			attempts, errMsg, now, now, id)
	} else {
		state = JobDelayed
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET state = 'delayed', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(nowT.Add(backoff)), now, id)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return state, nil
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget.
func (s *Store) RetryJob(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != JobFailed {
		return fmt.Errorf("job %s is %s: %w", id, j.State, ErrInvalidState)
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = 'waiting', attempts = 0, run_after = ?, updated_at = ?, finished_at = NULL
		WHERE id = ? AND state = 'failed'`, now, now, id)
	if err != nil {
		return err
	}
	return s.requireChanged(ctx, res, id)
}

// RemoveJob deletes a job that is not currently being processed.
func (s *Store) RemoveJob(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State == JobActive {
		return fmt.Errorf("job %s is active: %w", id, ErrInvalidState)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND state != 'active'`, id)
	if err != nil {
		return err
	}
	return s.requireChanged(ctx, res, id)
}

// ListJobs returns jobs newest first. Empty queue or state match everything.
func (s *Store) ListJobs(ctx context.Context, queue, state string, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// CountJobs returns the number of jobs per state. Every state is present.
func (s *Store) CountJobs(ctx context.Context, queue string) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM jobs`
	var args []any
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` GROUP BY state`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int, len(JobStates))
	for _, st := range JobStates {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// RequeueStaleJobs returns active jobs untouched for longer than lease to
// waiting. It recovers work from worker processes that died mid-job.
func (s *Store) RequeueStaleJobs(ctx context.Context, queue string, lease time.Duration) (int, error) {
	nowT := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = 'waiting', run_after = ?, updated_at = ?
		WHERE queue = ? AND state = 'active' AND updated_at <= ?`,
		formatTime(nowT), formatTime(nowT), queue, formatTime(nowT.Add(-lease)))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TouchJob renews an active job's lease.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ? AND state = 'active'`, s.timestamp(), id)
	if err != nil {
		return err
	}
	return s.requireChanged(ctx, res, id)
}

func (s *Store) requireChanged(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, j.State, ErrInvalidState)
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var runAfter, created, updated string
	var finished, lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Queue, &j.EntityID, &j.PayloadJSON, &j.State, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &finished, &lastError); err != nil {
		return Job{}, err
	}
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	if finished.Valid {
		if j.FinishedAt, err = parseTime(finished.String); err != nil {
			return Job{}, fmt.Errorf("parsing finished_at for job %s: %w", j.ID, err)
		}
	}
	j.LastError = lastError.String
	return j, nil
}

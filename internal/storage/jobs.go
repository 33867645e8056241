package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const defaultMaxAttempts = 3

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// EnqueueJobs inserts jobs as pending in a single transaction. A zero
// MaxAttempts means 3; a zero RunAfter means now.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, type, subject_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing enqueue: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, j := range jobs {
		runAfter := now
		if !j.RunAfter.IsZero() {
			runAfter = formatTime(j.RunAfter)
		}
		maxAttempts := j.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
		if _, err := stmt.ExecContext(ctx, j.ID, j.Type, j.SubjectID, j.PayloadJSON, maxAttempts, runAfter, now, now); err != nil {
			return fmt.Errorf("enqueueing job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// EnqueueJob inserts one pending job.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	return s.EnqueueJobs(ctx, []Job{job})
}

// ClaimNextJob marks the oldest due pending job of jobType as running and
// returns it, or nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, jobType string) (*Job, error) {
	now := time.Now().UTC().Truncate(time.Second)
	ts := formatTime(now)

	var j Job
	var runAfter, createdAt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND type = ? AND run_after <= ?
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, type, subject_id, payload_json, attempts, max_attempts, run_after, created_at, last_error`,
		ts, jobType, ts,
	).Scan(&j.ID, &j.Type, &j.SubjectID, &j.PayloadJSON, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming %s job: %w", jobType, err)
	}

	j.Status = JobRunning
	j.LastError = lastError.String
	j.UpdatedAt = now
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// retryDelay is the wait after the given number of failed attempts.
func retryDelay(attempts int) time.Duration {
	return time.Second << attempts
}

// FailJob records a failed attempt. The job is retried after 2^attempts
// seconds until max_attempts is reached, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++
	status, runAfter := JobPending, now.Add(retryDelay(attempts))
	if attempts >= maxAttempts {
		status, runAfter = JobFailed, now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFailedJobs removes jobs of jobType that exhausted their attempts
// and returns how many were removed.
func (s *Store) DeleteFailedJobs(ctx context.Context, jobType string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE type = ? AND status = 'failed'`, jobType)
	if err != nil {
		return 0, fmt.Errorf("deleting failed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

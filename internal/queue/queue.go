// Package queue stores job submissions in SQLite and hands them to the
// serve loop strictly oldest-first, one at a time.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a queued job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("name is empty")
	}
	if req.SpecPath == "" {
		return "", fmt.Errorf("spec_path is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_queue(id, name, spec_path, spec_hash, status, submitted_by, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, req.Name, req.SpecPath, req.SpecHash, StatusQueued, req.SubmittedBy, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job and marks it running. Returns
// (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, name, spec_path, spec_hash, status, exit_code, submitted_by,
          created_at, started_at, completed_at, last_error, stderr_tail;
`, StatusQueued, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, exitCode *int, lastError, stderrTail *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusTimedOut {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, exit_code = ?, completed_at = ?, last_error = ?, stderr_tail = ?
WHERE id = ?;
`, status, exitCode, completedAt, lastError, stderrTail, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get returns one job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, name, spec_path, spec_hash, status, exit_code, submitted_by,
       created_at, started_at, completed_at, last_error, stderr_tail
FROM job_queue
WHERE id = ?;
`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns the most recent jobs, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, name, spec_path, spec_hash, status, exit_code, submitted_by,
       created_at, started_at, completed_at, last_error, stderr_tail
FROM job_queue
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE status = ?;`, StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		statusS      string
		exitCode     sql.NullInt64
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
		stderrTail   sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.SpecPath, &j.SpecHash, &statusS, &exitCode, &j.SubmittedBy,
		&createdAtS, &startedAtS, &completedAtS, &lastError, &stderrTail,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if stderrTail.Valid {
		j.StderrTail = &stderrTail.String
	}
	return &j, nil
}

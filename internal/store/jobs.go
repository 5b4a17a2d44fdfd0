package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobRun is one recorded execution of a background job. A run is in
// progress while FinishedAt is nil.
type JobRun struct {
	ID         int64      `json:"id" db:"id"`
	Job        string     `json:"job" db:"job"`
	Stdout     string     `json:"stdout" db:"stdout"`
	Stderr     string     `json:"stderr" db:"stderr"`
	ExitCode   *int32     `json:"exit_code,omitempty" db:"exit_code"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// CreateJobRun records a new run of job and returns its id. Ids start at 1.
func (d *DB) CreateJobRun(ctx context.Context, job string) (int64, error) {
	now := d.now()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO job_runs (job, created_at, updated_at) VALUES (?, ?, ?)`,
		job, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create job run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job run id: %w", err)
	}
	return id, nil
}

// UpdateJobStdout appends chunk to the run's stdout
func (d *DB) UpdateJobStdout(ctx context.Context, id int64, chunk string) error {
	return d.appendJobOutput(ctx, "stdout", id, chunk)
}

// UpdateJobStderr appends chunk to the run's stderr
func (d *DB) UpdateJobStderr(ctx context.Context, id int64, chunk string) error {
	return d.appendJobOutput(ctx, "stderr", id, chunk)
}

func (d *DB) appendJobOutput(ctx context.Context, column string, id int64, chunk string) error {
	// column is one of two constants above, never caller input.
	query := fmt.Sprintf(
		`UPDATE job_runs SET %[1]s = %[1]s || ?, updated_at = ? WHERE id = ? AND finished_at IS NULL`,
		column)
	res, err := d.db.ExecContext(ctx, query, chunk, d.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", column, err)
	}
	return d.checkJobUpdate(ctx, res, id)
}

// CompleteJobRun records the exit code and finish time. A run completes once.
func (d *DB) CompleteJobRun(ctx context.Context, id int64, exitCode int32) error {
	now := d.now()
	res, err := d.db.ExecContext(ctx,
		`UPDATE job_runs SET exit_code = ?, finished_at = ?, updated_at = ? WHERE id = ? AND finished_at IS NULL`,
		exitCode, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job run: %w", err)
	}
	return d.checkJobUpdate(ctx, res, id)
}

// checkJobUpdate turns a zero-row update into ErrNotFound or ErrJobFinished.
func (d *DB) checkJobUpdate(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var finished sql.NullTime
	err = d.db.QueryRowContext(ctx, `SELECT finished_at FROM job_runs WHERE id = ?`, id).Scan(&finished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("job run %d: %w", id, ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to look up job run %d: %w", id, err)
	case finished.Valid:
		return fmt.Errorf("job run %d: %w", id, ErrJobFinished)
	default:
		return fmt.Errorf("job run %d was not updated", id)
	}
}

// GetJobRun returns a single run
func (d *DB) GetJobRun(ctx context.Context, id int64) (*JobRun, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, job, stdout, stderr, exit_code, created_at, updated_at, finished_at
		FROM job_runs WHERE id = ?
	`, id)

	run, err := scanJobRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run %d: %w", id, err)
	}
	return run, nil
}

// ListJobRuns returns runs newest first. A non-positive limit returns all runs.
func (d *DB) ListJobRuns(ctx context.Context, limit, offset int) ([]*JobRun, error) {
	limit, offset = pageBounds(limit, offset)
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, job, stdout, stderr, exit_code, created_at, updated_at, finished_at
		FROM job_runs
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var runs []*JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRun(row rowScanner) (*JobRun, error) {
	var (
		run      JobRun
		exitCode sql.NullInt64
		finished sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Job, &run.Stdout, &run.Stderr, &exitCode,
		&run.CreatedAt, &run.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	run.ExitCode = nullInt32(exitCode)
	run.FinishedAt = nullTime(finished)
	return &run, nil
}

// pageBounds maps a non-positive limit to SQLite's "no limit" and clamps offset.
func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

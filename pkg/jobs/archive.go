package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cuemby/colony/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	worker_id TEXT NOT NULL,
	message TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	report TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id, created_at);
`

// timeFormat has a fixed width so stored timestamps sort as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Archive persists completed jobs beyond the in-memory retention window
type Archive interface {
	Save(ctx context.Context, job *types.WorkerJob) error
	Get(ctx context.Context, id string) (*types.WorkerJob, error)
	List(ctx context.Context, f Filter) ([]*types.WorkerJob, error)
	Close() error
}

// SQLiteArchive stores completed jobs in a SQLite database
type SQLiteArchive struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the archive at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema on %s: %w", path, err)
	}
	return &SQLiteArchive{db: db, path: path}, nil
}

// Path returns the database file
func (a *SQLiteArchive) Path() string {
	return a.path
}

// Save upserts a job
func (a *SQLiteArchive) Save(ctx context.Context, job *types.WorkerJob) error {
	report := ""
	if job.Report != nil {
		data, err := json.Marshal(job.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		report = string(data)
	}
	completed := ""
	if !job.CompletedAt.IsZero() {
		completed = job.CompletedAt.UTC().Format(timeFormat)
	}
	_, err := a.db.ExecContext(ctx, `
INSERT INTO jobs (id, worker_id, message, session_id, requested_by, status, result, error, report, created_at, completed_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	result = excluded.result,
	error = excluded.error,
	report = excluded.report,
	completed_at = excluded.completed_at,
	duration_ms = excluded.duration_ms`,
		job.ID, job.WorkerID, job.Message, job.SessionID, job.RequestedBy, string(job.Status),
		job.Result, job.Error, report, job.CreatedAt.UTC().Format(timeFormat), completed, job.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

const selectJobs = `SELECT id, worker_id, message, session_id, requested_by, status, result, error, report, created_at, completed_at, duration_ms FROM jobs`

// Get returns one job or ErrNotFound
func (a *SQLiteArchive) Get(ctx context.Context, id string) (*types.WorkerJob, error) {
	row := a.db.QueryRowContext(ctx, selectJobs+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns jobs newest first
func (a *SQLiteArchive) List(ctx context.Context, f Filter) ([]*types.WorkerJob, error) {
	var where []string
	var args []any
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := selectJobs
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.WorkerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close closes the database
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.WorkerJob, error) {
	var (
		job                types.WorkerJob
		status, report     string
		created, completed string
		durationMS         int64
	)
	if err := s.Scan(&job.ID, &job.WorkerID, &job.Message, &job.SessionID, &job.RequestedBy, &status,
		&job.Result, &job.Error, &report, &created, &completed, &durationMS); err != nil {
		return nil, err
	}
	job.Status = types.JobStatus(status)
	job.Duration = time.Duration(durationMS) * time.Millisecond
	job.CreatedAt, _ = time.Parse(timeFormat, created)
	if completed != "" {
		job.CompletedAt, _ = time.Parse(timeFormat, completed)
	}
	if report != "" {
		var r types.JobReport
		if err := json.Unmarshal([]byte(report), &r); err == nil {
			job.Report = &r
		}
	}
	return &job, nil
}

// Package store persists job records in SQLite. One record per job,
// keyed by job id; the dispatcher only ever does point upserts and point
// lookups, never scans. Records survive process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Record is the observable state of a single job. Exactly one of Result
// and Error is populated in the terminal states.
type Record struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store is the job-record store handle.
type Store struct {
	db *sql.DB
}

// New creates a store and ensures its schema exists.
func New(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_records (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			progress     INTEGER NOT NULL DEFAULT 0,
			result       TEXT,
			error        TEXT,
			submitted_at INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create job_records schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Put upserts the record for rec.ID in a single statement, so concurrent
// readers always observe one complete past write. Last writer wins; the
// single-writer-per-job discipline is the caller's responsibility.
func (s *Store) Put(ctx context.Context, rec Record) error {
	var result any
	if len(rec.Result) > 0 {
		result = string(rec.Result)
	}
	submitted := rec.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records (id, status, progress, result, error, submitted_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Status, rec.Progress, result, rec.Error, submitted.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put job record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for id, or nil when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, progress, result, error, submitted_at, updated_at
		FROM job_records WHERE id = ?
	`, id)

	var rec Record
	var result, errMsg sql.NullString
	var submittedAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.Status, &rec.Progress, &result, &errMsg, &submittedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s: %w", id, err)
	}

	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	rec.Error = errMsg.String
	rec.SubmittedAt = time.Unix(submittedAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

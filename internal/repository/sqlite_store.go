package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"songforge/internal/models"
)

// SQLiteStore implements JobStore using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite job store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'PENDING',
		stage TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob records a job in PENDING state. Re-creating an existing id resets
// it, which is what a fresh pipeline run for the same id means.
func (s *SQLiteStore) CreateJob(ctx context.Context, id string) error {
	query := `
		INSERT INTO jobs (id, state, created_at, updated_at)
		VALUES (?, 'PENDING', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = 'PENDING', stage = '', progress = 0, error = '', updated_at = excluded.updated_at
	`

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, query, id, now, now); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// SetRunning moves a job into STARTED or PROGRESS with the current stage
func (s *SQLiteStore) SetRunning(ctx context.Context, id string, state models.JobState, stage string, progress float64) error {
	if state != models.StateStarted && state != models.StateProgress {
		return fmt.Errorf("invalid running state %q", state)
	}
	query := `
		UPDATE jobs
		SET state = ?, stage = ?, progress = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, state, stage, progress, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// MarkSucceeded transitions a job to its terminal SUCCEEDED state
func (s *SQLiteStore) MarkSucceeded(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET state = 'SUCCEEDED', progress = 1, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to its terminal FAILED state with the error text
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE jobs
		SET state = 'FAILED', error = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, errMsg, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id. Unknown ids read as PENDING.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, state, stage, progress, error, created_at, updated_at
		FROM jobs
		WHERE id = ?
	`

	var job models.Job
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.State,
		&job.Stage,
		&job.Progress,
		&job.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return unknownJob(id), nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}

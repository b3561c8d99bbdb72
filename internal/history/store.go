package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/manash/imgbatch/internal/batch"
	"github.com/manash/imgbatch/pkg/models"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrAmbiguousRun = errors.New("run id prefix matches more than one run")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    parent_id TEXT,
    source TEXT NOT NULL,
    output_dir TEXT NOT NULL,
    workers INTEGER NOT NULL,
    seed_start INTEGER NOT NULL,
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,
    total INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS job_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    job_index INTEGER NOT NULL,
    row_id TEXT NOT NULL,
    prompt TEXT NOT NULL,
    aspect_ratio TEXT,
    references_json TEXT,
    seed INTEGER NOT NULL,
    status TEXT NOT NULL,
    path TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    media_generation_id TEXT,
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_job_results_run_id ON job_results(run_id);
CREATE INDEX IF NOT EXISTS idx_job_results_status ON job_results(status);
`

type Store struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// foreign_keys is per connection, so it goes in the DSN for every
	// connection of the pool.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultDBPath is the history database used when none is configured.
func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".imgbatch", "history.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts run, assigning an id and start time when missing.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, parent_id, source, output_dir, workers, seed_start, started_at, total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullString(run.ParentID), run.Source, run.OutputDir, run.Workers, run.SeedStart, run.StartedAt, run.Total)
	return err
}

func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	return finishRun(ctx, s.db, run)
}

func finishRun(ctx context.Context, ex execer, run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	_, err := ex.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, total = ?, succeeded = ?, failed = ?, skipped = ?
		 WHERE id = ?`,
		run.FinishedAt, run.Total, run.Succeeded, run.Failed, run.Skipped, run.ID)
	return err
}

const runColumns = `id, parent_id, source, output_dir, workers, seed_start, started_at, finished_at, total, succeeded, failed, skipped`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var parentID sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &parentID, &run.Source, &run.OutputDir, &run.Workers, &run.SeedStart,
		&run.StartedAt, &finishedAt, &run.Total, &run.Succeeded, &run.Failed, &run.Skipped)
	if err != nil {
		return nil, err
	}
	run.ParentID = parentID.String
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, nil
}

// GetRun looks a run up by its full id or by a unique id prefix. The prefix
// is matched literally.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, ErrRunNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE substr(id, 1, length(?)) = ? ORDER BY id = ? DESC LIMIT 2`,
		id, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case runs[0].ID == id, len(runs) == 1:
		return runs[0], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAmbiguousRun, id)
}

// ListRuns returns the newest runs first. A limit of zero or less returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) RecordJob(ctx context.Context, rec *JobRecord) error {
	return recordJob(ctx, s.db, rec)
}

func recordJob(ctx context.Context, ex execer, rec *JobRecord) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO job_results (run_id, job_index, row_id, prompt, aspect_ratio, references_json, seed, status, path, size, media_generation_id, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Index, rec.RowID, rec.Prompt, nullString(string(rec.AspectRatio)),
		nullString(referencesJSON(rec.References)), rec.Seed, string(rec.Status), nullString(rec.Path),
		rec.Size, nullString(rec.MediaGenerationID), nullString(rec.Error), rec.Duration.Milliseconds())
	return err
}

// ListJobs returns a run's job records in input order, filtered to
// statuses when any are given.
func (s *Store) ListJobs(ctx context.Context, runID string, statuses ...Status) ([]*JobRecord, error) {
	query := `SELECT run_id, job_index, row_id, prompt, aspect_ratio, references_json, seed, status, path, size, media_generation_id, error, duration_ms
		 FROM job_results WHERE run_id = ?`
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY job_index ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		rec := &JobRecord{}
		var aspect, refs, path, mediaID, errText sql.NullString
		var status string
		var durationMS int64
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.RowID, &rec.Prompt, &aspect, &refs, &rec.Seed,
			&status, &path, &rec.Size, &mediaID, &errText, &durationMS); err != nil {
			return nil, err
		}
		rec.AspectRatio = models.AspectRatio(aspect.String)
		rec.References = parseReferences(refs.String)
		rec.Status = Status(status)
		rec.Path = path.String
		rec.MediaGenerationID = mediaID.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FailedJobs rebuilds the jobs of a run that failed or never started.
func (s *Store) FailedJobs(ctx context.Context, runID string) ([]*models.Job, error) {
	records, err := s.ListJobs(ctx, runID, StatusFailed, StatusSkipped)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.Job, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, rec.Job())
	}
	return jobs, nil
}

// RecordReport stores one record per job and closes the run with the
// report's counts in a single transaction: either every row is recorded or
// none is. jobs and report.Results share an index.
func (s *Store) RecordReport(ctx context.Context, run *Run, jobs []*models.Job, report *batch.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, res := range report.Results {
		rec := &JobRecord{
			RunID:             run.ID,
			Index:             res.Index,
			RowID:             res.RowID,
			Prompt:            res.Prompt,
			Seed:              res.Seed,
			Path:              res.Path,
			Size:              res.Size,
			MediaGenerationID: res.MediaGenerationID,
			Duration:          res.Duration,
		}
		if i < len(jobs) {
			rec.AspectRatio = jobs[i].AspectRatio
			rec.References = jobs[i].References
		}
		switch {
		case res.Skipped:
			rec.Status = StatusSkipped
		case res.Error != nil:
			rec.Status = StatusFailed
		default:
			rec.Status = StatusSucceeded
		}
		if res.Error != nil {
			rec.Error = res.Error.Error()
		}
		if err := recordJob(ctx, tx, rec); err != nil {
			return fmt.Errorf("failed to record row %s: %w", res.RowID, err)
		}
	}

	run.Total = len(report.Results)
	run.Succeeded = report.Succeeded
	run.Failed = report.Failed
	run.Skipped = report.Skipped
	if err := finishRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

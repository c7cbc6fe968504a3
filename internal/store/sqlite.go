// Package store indexes runs in a sqlite database so the CLI can list
// and look up runs without scanning the state directory. The run log
// JSONL stays the source of truth; rows here are derived from it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"kevin/internal/core"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			repo_path TEXT NOT NULL,
			task TEXT NOT NULL,
			sandbox TEXT NOT NULL,
			status TEXT NOT NULL,
			stop_reason TEXT,
			steps INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			log_path TEXT NOT NULL,
			final_digest TEXT,
			config_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run core.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, repo_path, task, sandbox, status, started_at, log_path, config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.RepoPath,
		run.Task,
		run.Sandbox,
		run.Status,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.LogPath,
		run.Config,
	)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status, stopReason string, steps int, finalDigest string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, stop_reason = ?, steps = ?, final_digest = ?, finished_at = ?
		WHERE run_id = ?`,
		status,
		stopReason,
		steps,
		finalDigest,
		time.Now().UTC().Format(time.RFC3339),
		runID,
	)
	return err
}

const runColumns = `run_id, repo_path, task, sandbox, status, stop_reason, steps, started_at, finished_at, log_path, final_digest, config_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (core.RunRecord, error) {
	var (
		run         core.RunRecord
		stopReason  sql.NullString
		startedAt   string
		finishedAt  sql.NullString
		finalDigest sql.NullString
	)
	err := row.Scan(
		&run.RunID,
		&run.RepoPath,
		&run.Task,
		&run.Sandbox,
		&run.Status,
		&stopReason,
		&run.Steps,
		&startedAt,
		&finishedAt,
		&run.LogPath,
		&finalDigest,
		&run.Config,
	)
	if err != nil {
		return core.RunRecord{}, err
	}
	run.StopReason = stopReason.String
	run.FinalDigest = finalDigest.String
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
	}
	return run, nil
}

// GetRun returns nil when the run id is unknown.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*core.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE run_id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first. limit <= 0 means all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]core.RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes the index row. The caller deletes the run directory.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishedBefore lists finished runs older than cutoff, oldest first,
// for prune.
func (s *SQLiteStore) FinishedBefore(ctx context.Context, cutoff time.Time) ([]core.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE finished_at IS NOT NULL AND finished_at < ?
		ORDER BY finished_at ASC`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []core.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

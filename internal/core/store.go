package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/taskr/internal/runner"
	"github.com/3cpo-dev/taskr/pkg/api"
)

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun persists a run and the tasks it executed.
func (s *Store) RecordRun(ctx context.Context, rec api.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, task, status, exit_code, started_at, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Task, string(rec.Status), rec.ExitCode, rec.StartedAt, rec.DurationMS, rec.Error,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, task := range rec.Executed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_tasks (run_id, position, task) VALUES (?, ?, ?)`, rec.ID, i, task,
		); err != nil {
			return fmt.Errorf("insert run task: %w", err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]api.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, status, exit_code, started_at, duration_ms, error FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var out []api.RunRecord
	for rows.Next() {
		var rec api.RunRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.Task, &status, &rec.ExitCode, &rec.StartedAt, &rec.DurationMS, &rec.Error); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Status = api.RunStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		tasks, err := s.runTasks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Executed = tasks
	}
	return out, nil
}

func (s *Store) runTasks(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task FROM run_tasks WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query run tasks: %w", err)
	}
	defer rows.Close()
	var tasks []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NewRunRecord summarizes a finished run for the history store.
func NewRunRecord(report *runner.Report, runErr error) api.RunRecord {
	rec := api.RunRecord{
		ID:         uuid.NewString(),
		Task:       report.Task,
		Status:     api.RunSucceeded,
		ExitCode:   runner.ExitCode(runErr),
		StartedAt:  report.Started.Unix(),
		DurationMS: report.Duration.Milliseconds(),
	}
	for _, t := range report.Executed {
		rec.Executed = append(rec.Executed, t.Task)
	}
	if runErr != nil {
		rec.Status = api.RunFailed
		rec.Error = runErr.Error()
	}
	return rec
}

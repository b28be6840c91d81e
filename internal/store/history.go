// Package store persists agent run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"sudodev/internal/logging"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning  RunStatus = "running"
	StatusResolved RunStatus = "resolved"
	StatusFailed   RunStatus = "failed"
	StatusError    RunStatus = "error"
)

// Run is one agent execution against one instance.
type Run struct {
	ID          string
	InstanceID  string
	Model       string
	Status      RunStatus
	Reproduced  bool
	TargetFiles []string
	Attempts    int
	Patch       string
	Summary     string
	ErrorPhase  string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
}

// Outcome is what FinishRun stores when a run ends.
type Outcome struct {
	Status      RunStatus
	Reproduced  bool
	TargetFiles []string
	Attempts    int
	Patch       string
	Summary     string
	ErrorPhase  string
	Error       string
}

// Attempt is one fix attempt inside a run.
type Attempt struct {
	RunID       string
	Number      int
	FilePath    string
	Success     bool
	ErrorOutput string
	Diff        string
	CreatedAt   time.Time
}

// HistoryStore is the SQLite-backed run history.
type HistoryStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	now    func() time.Time
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenHistory")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &HistoryStore{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("History store ready at %s", path)
	return s, nil
}

func (s *HistoryStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reproduced INTEGER NOT NULL DEFAULT 0,
		target_files TEXT NOT NULL DEFAULT '[]',
		attempts INTEGER NOT NULL DEFAULT 0,
		patch TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		error_phase TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_instance ON runs(instance_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_output TEXT NOT NULL DEFAULT '',
		diff TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// StartRun inserts a running run and returns its id.
func (s *HistoryStore) StartRun(ctx context.Context, instanceID, model string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, instance_id, model, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, instanceID, model, string(StatusRunning), formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	logging.StoreDebug("Started run %s for %s", id, instanceID)
	return id, nil
}

// FinishRun stores the outcome of a run.
func (s *HistoryStore) FinishRun(ctx context.Context, runID string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := json.Marshal(nonNil(out.TargetFiles))
	if err != nil {
		return fmt.Errorf("failed to encode target files: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, reproduced = ?, target_files = ?, attempts = ?,
			patch = ?, summary = ?, error_phase = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(out.Status), boolToInt(out.Reproduced), string(files), out.Attempts,
		out.Patch, out.Summary, out.ErrorPhase, out.Error, formatTime(s.now()), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	logging.Store("Run %s finished: %s", runID, out.Status)
	return nil
}

// RecordAttempt appends an attempt to its run.
func (s *HistoryStore) RecordAttempt(ctx context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, number, file_path, success, error_output, diff, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Number, a.FilePath, boolToInt(a.Success), a.ErrorOutput, a.Diff, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

const runColumns = `id, instance_id, model, status, reproduced, target_files, attempts,
	patch, summary, error_phase, error, started_at, finished_at`

// ListRuns returns the most recent runs first. A non-positive limit
// returns all runs.
func (s *HistoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run by id.
func (s *HistoryStore) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// Attempts returns the attempts of a run in order.
func (s *HistoryStore) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, number, file_path, success, error_output, diff, created_at
		FROM attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a       Attempt
			success int
			created string
		)
		if err := rows.Scan(&a.RunID, &a.Number, &a.FilePath, &success, &a.ErrorOutput, &a.Diff, &created); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Success = success != 0
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                 Run
		status, files     string
		reproduced        int
		started, finished string
	)
	err := sc.Scan(&r.ID, &r.InstanceID, &r.Model, &status, &reproduced, &files, &r.Attempts,
		&r.Patch, &r.Summary, &r.ErrorPhase, &r.Error, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Status = RunStatus(status)
	r.Reproduced = reproduced != 0
	if err := json.Unmarshal([]byte(files), &r.TargetFiles); err != nil {
		logging.StoreDebug("Bad target_files for run %s: %v", r.ID, err)
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Package runlog keeps an audit trail of agent runs and their progress
// events in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	outcome     TEXT,
	success     INTEGER NOT NULL DEFAULT 0,
	answer      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	iterations  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL REFERENCES runs(id),
	iteration INTEGER NOT NULL,
	type      TEXT NOT NULL,
	tool      TEXT NOT NULL DEFAULT '',
	input     TEXT NOT NULL DEFAULT '',
	content   TEXT NOT NULL DEFAULT '',
	success   INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// DefaultPath is where the audit log lives when no path is configured.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sandbox-agent", "runs.db"), nil
}

// Run is a stored run.
type Run struct {
	ID         string
	Task       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    string
	Success    bool
	Answer     string
	Error      string
	Iterations int
}

// Event is a stored progress event.
type Event struct {
	RunID     string
	Iteration int
	Type      string
	Tool      string
	Input     string
	Content   string
	Success   *bool
	CreatedAt time.Time
}

// Store writes runs and events. It implements agent.RunObserver; write
// failures are logged and never interrupt a run.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ agent.RunObserver = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create runlog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open runlog: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init runlog schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RunStarted(ctx context.Context, runID string, task agent.Task) {
	_, err := s.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO runs (id, task, started_at) VALUES (?, ?, ?)`,
		runID, task.Description, s.now().UTC())
	if err != nil {
		s.logger.Warn("runlog: record run start", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Store) RunEvent(ctx context.Context, e agent.Event) {
	var input string
	if e.Input != nil {
		if data, err := json.Marshal(e.Input); err == nil {
			input = string(data)
		}
	}
	var success interface{}
	if e.Success != nil {
		success = boolInt(*e.Success)
	}
	_, err := s.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO events (run_id, iteration, type, tool, input, content, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Iteration, string(e.Type), e.Tool, input, e.Content, success, s.now().UTC())
	if err != nil {
		s.logger.Warn("runlog: record event", zap.String("run_id", e.RunID), zap.Error(err))
	}
}

func (s *Store) RunFinished(ctx context.Context, r agent.Result) {
	_, err := s.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE runs SET finished_at = ?, outcome = ?, success = ?, answer = ?, error = ?, iterations = ? WHERE id = ?`,
		s.now().UTC(), string(r.Outcome), boolInt(r.Success), r.Answer, r.Error, r.Iterations, r.RunID)
	if err != nil {
		s.logger.Warn("runlog: record run finish", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, started_at, finished_at, COALESCE(outcome, ''), success, answer, error, iterations
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
			success  int
		)
		if err := rows.Scan(&r.ID, &r.Task, &r.StartedAt, &finished, &r.Outcome, &success, &r.Answer, &r.Error, &r.Iterations); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.Success = success != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Events returns the events of runID in order.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, iteration, type, tool, input, content, success, created_at
		 FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			success sql.NullInt64
		)
		if err := rows.Scan(&e.RunID, &e.Iteration, &e.Type, &e.Tool, &e.Input, &e.Content, &success, &e.CreatedAt); err != nil {
			return nil, err
		}
		if success.Valid {
			b := success.Int64 != 0
			e.Success = &b
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

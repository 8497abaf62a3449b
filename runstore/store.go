// Package runstore keeps training runs and their per-epoch metrics in SQLite.
package runstore

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

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-segtrain/training"
)

// ErrRunNotFound is returned for run IDs the store has never seen.
var ErrRunNotFound = errors.New("runstore: run not found")

// Run is one row of the runs table.
type Run struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         string
	Epochs         int
	Device         string
	Optimizer      string
	Loss           string
	Description    string
	Keys           []string
	CheckpointPath string
	EpochsDone     int
}

// Store implements training.HistorySink on top of a SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	now    func() time.Time
}

var _ training.HistorySink = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens the database at path and makes sure the schema exists.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("run store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initialize() error {
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON"} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		epochs INTEGER NOT NULL,
		device TEXT,
		optimizer TEXT,
		loss TEXT,
		description TEXT,
		keys_json TEXT NOT NULL,
		checkpoint_path TEXT
	);
	CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		metrics_json TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, epoch)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running row for run.
func (s *Store) StartRun(ctx context.Context, run training.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := json.Marshal(run.Keys)
	if err != nil {
		return err
	}
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, epochs, device, optimizer, loss, description, keys_json)
		VALUES (?, ?, 'running', ?, ?, ?, ?, ?, ?)`,
		run.ID, started.UTC(), run.Epochs, run.Device, run.Optimizer, run.Loss, run.Description, string(keys))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// RecordEpoch stores the metrics of one epoch. Recording the same epoch twice replaces it.
func (s *Store) RecordEpoch(ctx context.Context, runID string, epoch int, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := make(map[string]training.MetricValue, len(metrics))
	for k, v := range metrics {
		encoded[k] = training.MetricValue(v)
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO epochs (run_id, epoch, metrics_json, recorded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, epoch) DO UPDATE SET metrics_json = excluded.metrics_json, recorded_at = excluded.recorded_at`,
		runID, epoch, string(data), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d of run %s: %w", epoch, runID, err)
	}
	return nil
}

// FinishRun marks the run with its final status and checkpoint.
func (s *Store) FinishRun(ctx context.Context, runID, status, checkpointPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, checkpoint_path = ? WHERE id = ?`,
		status, s.now().UTC(), checkpointPath, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	s.logger.Debug("run finished", zap.String("run_id", runID), zap.String("status", status))
	return nil
}

const runColumns = `
	r.id, r.started_at, r.finished_at, r.status, r.epochs, r.device, r.optimizer, r.loss,
	r.description, r.keys_json, r.checkpoint_path,
	(SELECT COUNT(*) FROM epochs e WHERE e.run_id = r.id)`

// ListRuns returns the most recent runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT` + runColumns + ` FROM runs r ORDER BY r.started_at DESC, r.id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
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

// GetRun looks up a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+runColumns+` FROM runs r WHERE r.id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                       Run
		finished                sql.NullTime
		device, opt, loss, desc sql.NullString
		keysJSON                string
		checkpoint              sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.StartedAt, &finished, &r.Status, &r.Epochs, &device, &opt, &loss,
		&desc, &keysJSON, &checkpoint, &r.EpochsDone); err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	r.Device, r.Optimizer, r.Loss = device.String, opt.String, loss.String
	r.Description, r.CheckpointPath = desc.String, checkpoint.String
	if err := json.Unmarshal([]byte(keysJSON), &r.Keys); err != nil {
		return Run{}, fmt.Errorf("run %s has corrupt keys: %w", r.ID, err)
	}
	return r, nil
}

// History rebuilds the training history of a run from its recorded epochs, in epoch order.
func (s *Store) History(ctx context.Context, runID string) (*training.History, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, metrics_json FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read epochs: %w", err)
	}
	defer rows.Close()

	h := training.NewHistory(run.Keys...)
	for rows.Next() {
		var epoch int
		var data string
		if err := rows.Scan(&epoch, &data); err != nil {
			return nil, err
		}
		var decoded map[string]training.MetricValue
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		metrics := make(map[string]float64, len(decoded))
		for k, v := range decoded {
			metrics[k] = float64(v)
		}
		if err := h.Append(metrics); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	return h, rows.Err()
}

// DeleteRun removes a run and its epochs.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

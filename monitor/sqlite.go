package monitor

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores metric records in a SQLite database, one run per
// recorder instance. Useful for comparing runs after the fact without
// parsing CSV logs.
type SQLiteRecorder struct {
	path  string
	runID string
	phase string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteRecorder creates a recorder for one run. phase tags the records,
// e.g. "train" or "validation".
func NewSQLiteRecorder(path, phase string) *SQLiteRecorder {
	return &SQLiteRecorder{
		path:  path,
		runID: uuid.NewString(),
		phase: phase,
	}
}

// RunID returns the identifier assigned to this run.
func (r *SQLiteRecorder) RunID() string { return r.runID }

// Init opens the database, creates the schema and registers the run.
func (r *SQLiteRecorder) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path == "" {
		return errors.New("sqlite path is required")
	}
	if r.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", r.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.runID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		_ = db.Close()
		return err
	}

	r.db = db
	return nil
}

func (r *SQLiteRecorder) RecordMetrics(rec Record) error {
	db, err := r.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(context.Background(), `
		INSERT INTO metrics (run_id, phase, epoch, iteration, total_loss, recon_loss, kl_loss, action_loss, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.runID, r.phase, rec.Epoch, rec.Iteration,
		rec.TotalLoss, rec.ReconLoss, rec.KLLoss, rec.ActionLoss,
		rec.Timestamp.UTC().Format(time.RFC3339))
	return err
}

// UpdateInfo is a no-op for the database sink.
func (r *SQLiteRecorder) UpdateInfo(info string) error { return nil }

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *SQLiteRecorder) getDB() (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil, errors.New("recorder is not initialized")
	}
	return r.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			total_loss REAL NOT NULL,
			recon_loss REAL NOT NULL,
			kl_loss REAL NOT NULL,
			action_loss REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);
	`)
	return err
}

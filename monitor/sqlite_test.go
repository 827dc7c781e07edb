package monitor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	r := NewSQLiteRecorder(path, "train")

	ctx := context.Background()
	if err := r.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	rec := Record{
		Timestamp:  time.Now(),
		Epoch:      1,
		Iteration:  10,
		TotalLoss:  2.0,
		ReconLoss:  1.0,
		KLLoss:     0.5,
		ActionLoss: 0.5,
	}
	if err := r.RecordMetrics(rec); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	rec.Iteration = 20
	if err := r.RecordMetrics(rec); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer db.Close()

	var runs int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&runs); err != nil {
		t.Fatalf("runs query failed: %v", err)
	}
	if runs != 1 {
		t.Errorf("expected 1 registered run, got %d", runs)
	}

	var metrics int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metrics WHERE run_id = ? AND phase = 'train'`,
		r.RunID()).Scan(&metrics); err != nil {
		t.Fatalf("metrics query failed: %v", err)
	}
	if metrics != 2 {
		t.Errorf("expected 2 metric rows, got %d", metrics)
	}

	var total float64
	if err := db.QueryRowContext(ctx,
		`SELECT total_loss FROM metrics WHERE iteration = 10`).Scan(&total); err != nil {
		t.Fatalf("loss query failed: %v", err)
	}
	if total != 2.0 {
		t.Errorf("expected total loss 2.0, got %g", total)
	}
}

func TestSQLiteRecorderRequiresInit(t *testing.T) {
	r := NewSQLiteRecorder(filepath.Join(t.TempDir(), "metrics.db"), "train")
	if err := r.RecordMetrics(Record{Timestamp: time.Now()}); err == nil {
		t.Error("expected an error before Init")
	}
}

func TestSQLiteRecorderEmptyPath(t *testing.T) {
	r := NewSQLiteRecorder("", "train")
	if err := r.Init(context.Background()); err == nil {
		t.Error("expected an error for an empty path")
	}
}

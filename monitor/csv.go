package monitor

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CSVRecorder appends metric records to a log file. Each record is written
// with a scoped open-append-close so no file handle outlives the write, and
// a crashed run leaves a complete log behind. Fields are
// timestamp, epoch, iteration, total_loss, recon_loss, kl_loss with no
// header row.
type CSVRecorder struct {
	path string
}

// NewCSVRecorder creates a recorder appending to path.
func NewCSVRecorder(path string) *CSVRecorder {
	return &CSVRecorder{path: path}
}

// Path returns the log file path.
func (r *CSVRecorder) Path() string { return r.path }

func (r *CSVRecorder) RecordMetrics(rec Record) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %v", r.path, err)
	}

	w := csv.NewWriter(f)
	record := []string{
		rec.Timestamp.Format(time.RFC3339),
		strconv.Itoa(rec.Epoch),
		strconv.Itoa(rec.Iteration),
		formatLoss(rec.TotalLoss),
		formatLoss(rec.ReconLoss),
		formatLoss(rec.KLLoss),
	}
	writeErr := w.Write(record)
	w.Flush()
	if writeErr == nil {
		writeErr = w.Error()
	}

	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("failed to append to log %s: %v", r.path, writeErr)
	}
	return closeErr
}

// UpdateInfo is a no-op: the CSV log carries metric records only.
func (r *CSVRecorder) UpdateInfo(info string) error { return nil }

func formatLoss(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

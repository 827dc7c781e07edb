// Package monitor provides metric emission sinks for the training loop.
// Sinks expose a small capability interface so the loop depends neither on a
// particular rendering (console vs. GUI) nor on a particular storage format.
package monitor

import "time"

// Record is one throttled metric emission.
type Record struct {
	Timestamp  time.Time
	Epoch      int
	Iteration  int
	TotalLoss  float64
	ReconLoss  float64
	KLLoss     float64
	ActionLoss float64
}

// Sink receives metric records and informational updates.
type Sink interface {
	// RecordMetrics emits one metric record.
	RecordMetrics(rec Record) error

	// UpdateInfo emits a free-form informational message.
	UpdateInfo(info string) error
}

// Multi fans records out to several sinks. Every sink is attempted; the
// first error is returned.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) RecordMetrics(rec Record) error {
	var first error
	for _, s := range m.sinks {
		if err := s.RecordMetrics(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Multi) UpdateInfo(info string) error {
	var first error
	for _, s := range m.sinks {
		if err := s.UpdateInfo(info); err != nil && first == nil {
			first = err
		}
	}
	return first
}

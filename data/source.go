package data

import (
	"fmt"
	"math/rand"
)

// BatchSource iterates over pre-batched data. Training and validation use
// independent instances. Implementations are not safe for concurrent use;
// the training loop is single-threaded.
type BatchSource interface {
	// HasNext reports whether the current pass has batches remaining.
	HasNext() bool
	// Next returns the next batch of the current pass.
	Next() (*Batch, error)
	// Shuffle reorders the batches and rewinds to the start of a new pass.
	Shuffle()
}

// SliceSource is an in-memory BatchSource over a fixed batch list with
// seeded shuffling.
type SliceSource struct {
	batches []*Batch
	order   []int
	pos     int
	rng     *rand.Rand
}

// NewSliceSource wraps batches in a source. The seed fixes the shuffle
// sequence so runs are reproducible.
func NewSliceSource(batches []*Batch, seed int64) (*SliceSource, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("batch source needs at least one batch")
	}
	order := make([]int, len(batches))
	for i := range order {
		order[i] = i
	}
	return &SliceSource{
		batches: batches,
		order:   order,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// Len returns the number of batches per pass.
func (s *SliceSource) Len() int { return len(s.batches) }

// HasNext reports whether the current pass has batches remaining.
func (s *SliceSource) HasNext() bool { return s.pos < len(s.order) }

// Next returns the next batch of the current pass.
func (s *SliceSource) Next() (*Batch, error) {
	if s.pos >= len(s.order) {
		return nil, fmt.Errorf("batch source exhausted after %d batches", len(s.order))
	}
	b := s.batches[s.order[s.pos]]
	s.pos++
	return b, nil
}

// Shuffle reorders the batches and rewinds the source.
func (s *SliceSource) Shuffle() {
	s.rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
	s.pos = 0
}

// Split partitions batches into training and validation sources. The
// reference configuration uses trainFraction 0.8. Both partitions are
// guaranteed non-empty.
func Split(batches []*Batch, trainFraction float64, seed int64) (*SliceSource, *SliceSource, error) {
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, nil, fmt.Errorf("train fraction must be in (0, 1), got %g", trainFraction)
	}
	if len(batches) < 2 {
		return nil, nil, fmt.Errorf("need at least 2 batches to split, got %d", len(batches))
	}

	cut := int(float64(len(batches)) * trainFraction)
	if cut < 1 {
		cut = 1
	}
	if cut >= len(batches) {
		cut = len(batches) - 1
	}

	train, err := NewSliceSource(batches[:cut], seed)
	if err != nil {
		return nil, nil, err
	}
	validation, err := NewSliceSource(batches[cut:], seed+1)
	if err != nil {
		return nil, nil, err
	}
	return train, validation, nil
}

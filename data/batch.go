package data

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Batch is one pre-batched unit of training data: a 3-axis tensor of
// diagnostic error vectors with axes [channel, time, batch-element] and a
// parallel one-hot action label tensor with axes [action, time, batch-element].
type Batch struct {
	ErrorVectors *tensor.Dense // [C, T, B] float64
	Labels       *tensor.Dense // [A, T, B] float64 one-hot
}

// NewBatch validates shapes and wraps the two tensors.
func NewBatch(errorVectors, labels *tensor.Dense) (*Batch, error) {
	if errorVectors == nil || labels == nil {
		return nil, fmt.Errorf("batch tensors cannot be nil")
	}
	vs := errorVectors.Shape()
	ls := labels.Shape()
	if len(vs) != 3 {
		return nil, fmt.Errorf("error vectors must be 3-axis [channel, time, batch], got shape %v", vs)
	}
	if len(ls) != 3 {
		return nil, fmt.Errorf("labels must be 3-axis [action, time, batch], got shape %v", ls)
	}
	if vs[1] != ls[1] || vs[2] != ls[2] {
		return nil, fmt.Errorf("error vector and label time/batch axes must match: %v vs %v", vs, ls)
	}
	return &Batch{ErrorVectors: errorVectors, Labels: labels}, nil
}

// Channels returns the error-vector feature count C.
func (b *Batch) Channels() int { return b.ErrorVectors.Shape()[0] }

// Timesteps returns the sequence length T.
func (b *Batch) Timesteps() int { return b.ErrorVectors.Shape()[1] }

// Size returns the batch-element count B.
func (b *Batch) Size() int { return b.ErrorVectors.Shape()[2] }

// Actions returns the action label count A.
func (b *Batch) Actions() int { return b.Labels.Shape()[0] }

// Rows returns the flattened row count T*B.
func (b *Batch) Rows() int { return b.Timesteps() * b.Size() }

// Flatten reorders both tensors into row-major matrices with one row per
// (timestep, batch-element) pair: error vectors become [T*B, C] and labels
// [T*B, A]. Averaging a per-row quantity over all rows is then equivalent to
// averaging over the time axis and then the batch axis.
func (b *Batch) Flatten() (*tensor.Dense, *tensor.Dense, error) {
	x, err := flattenSeq(b.ErrorVectors)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to flatten error vectors: %v", err)
	}
	y, err := flattenSeq(b.Labels)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to flatten labels: %v", err)
	}
	return x, y, nil
}

// flattenSeq converts a [C, T, B] tensor into a [T*B, C] matrix.
func flattenSeq(t3 *tensor.Dense) (*tensor.Dense, error) {
	shape := t3.Shape()
	c, t, b := shape[0], shape[1], shape[2]

	src, ok := t3.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("expected float64 backing, got %T", t3.Data())
	}

	dst := make([]float64, c*t*b)
	for ci := 0; ci < c; ci++ {
		for ti := 0; ti < t; ti++ {
			for bi := 0; bi < b; bi++ {
				row := ti*b + bi
				dst[row*c+ci] = src[ci*t*b+ti*b+bi]
			}
		}
	}
	return tensor.New(tensor.WithShape(t*b, c), tensor.WithBacking(dst)), nil
}

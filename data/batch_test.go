package data

import (
	"reflect"
	"testing"

	"gorgonia.org/tensor"
)

func seqTensor(shape []int) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	backing := make([]float64, size)
	for i := range backing {
		backing[i] = float64(i)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

func TestNewBatch(t *testing.T) {
	t.Run("Accepts matching shapes", func(t *testing.T) {
		b, err := NewBatch(seqTensor([]int{3, 4, 2}), seqTensor([]int{5, 4, 2}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.Channels() != 3 || b.Timesteps() != 4 || b.Size() != 2 || b.Actions() != 5 {
			t.Errorf("accessors disagree with shapes: C=%d T=%d B=%d A=%d",
				b.Channels(), b.Timesteps(), b.Size(), b.Actions())
		}
		if b.Rows() != 8 {
			t.Errorf("expected 8 rows, got %d", b.Rows())
		}
	})

	t.Run("Rejects nil tensors", func(t *testing.T) {
		if _, err := NewBatch(nil, seqTensor([]int{2, 2, 2})); err == nil {
			t.Error("expected an error for nil error vectors")
		}
	})

	t.Run("Rejects non-3-axis tensors", func(t *testing.T) {
		if _, err := NewBatch(seqTensor([]int{3, 4}), seqTensor([]int{5, 4, 2})); err == nil {
			t.Error("expected an error for 2-axis error vectors")
		}
	})

	t.Run("Rejects mismatched time or batch axes", func(t *testing.T) {
		if _, err := NewBatch(seqTensor([]int{3, 4, 2}), seqTensor([]int{5, 3, 2})); err == nil {
			t.Error("expected an error for mismatched time axes")
		}
		if _, err := NewBatch(seqTensor([]int{3, 4, 2}), seqTensor([]int{5, 4, 3})); err == nil {
			t.Error("expected an error for mismatched batch axes")
		}
	})
}

func TestBatchFlatten(t *testing.T) {
	// [C=2, T=2, B=2] with backing 0..7: element (c, t, b) holds c*4 + t*2 + b.
	b, err := NewBatch(seqTensor([]int{2, 2, 2}), seqTensor([]int{2, 2, 2}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x, y, err := b.Flatten()
	if err != nil {
		t.Fatalf("flatten failed: %v", err)
	}

	if !x.Shape().Eq(tensor.Shape{4, 2}) {
		t.Fatalf("expected shape [4 2], got %v", x.Shape())
	}

	// Row ti*B+bi must hold the channel values for that (timestep, element).
	want := []float64{
		0, 4, // t0 b0
		1, 5, // t0 b1
		2, 6, // t1 b0
		3, 7, // t1 b1
	}
	if got := x.Data().([]float64); !reflect.DeepEqual(got, want) {
		t.Errorf("flattened error vectors wrong:\n got %v\nwant %v", got, want)
	}
	if got := y.Data().([]float64); !reflect.DeepEqual(got, want) {
		t.Errorf("flattened labels wrong:\n got %v\nwant %v", got, want)
	}
}

package data

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// SyntheticConfig describes a generated diagnostic dataset.
type SyntheticConfig struct {
	Channels   int
	Timesteps  int
	BatchSize  int
	Actions    int
	BatchCount int
	Seed       int64
}

// Synthetic generates batches of smooth error-vector sequences. Each batch
// element follows a per-channel sinusoid with additive noise; the action
// label tracks the channel with the largest drift so the recommender has
// learnable structure.
func Synthetic(cfg SyntheticConfig) ([]*Batch, error) {
	if cfg.Channels <= 0 || cfg.Timesteps <= 0 || cfg.BatchSize <= 0 || cfg.Actions <= 0 || cfg.BatchCount <= 0 {
		return nil, fmt.Errorf("synthetic config dimensions must all be positive: %+v", cfg)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	batches := make([]*Batch, 0, cfg.BatchCount)

	for n := 0; n < cfg.BatchCount; n++ {
		vectors := make([]float64, cfg.Channels*cfg.Timesteps*cfg.BatchSize)
		labels := make([]float64, cfg.Actions*cfg.Timesteps*cfg.BatchSize)

		for bi := 0; bi < cfg.BatchSize; bi++ {
			phase := rng.Float64() * 2 * math.Pi
			drift := make([]float64, cfg.Channels)
			for ci := range drift {
				drift[ci] = rng.Float64()
			}

			for ti := 0; ti < cfg.Timesteps; ti++ {
				dominant := 0
				for ci := 0; ci < cfg.Channels; ci++ {
					v := drift[ci]*math.Sin(phase+float64(ti)/4+float64(ci)) + rng.NormFloat64()*0.05
					vectors[ci*cfg.Timesteps*cfg.BatchSize+ti*cfg.BatchSize+bi] = v
					if drift[ci] > drift[dominant] {
						dominant = ci
					}
				}
				action := dominant % cfg.Actions
				labels[action*cfg.Timesteps*cfg.BatchSize+ti*cfg.BatchSize+bi] = 1
			}
		}

		batch, err := NewBatch(
			tensor.New(tensor.WithShape(cfg.Channels, cfg.Timesteps, cfg.BatchSize), tensor.WithBacking(vectors)),
			tensor.New(tensor.WithShape(cfg.Actions, cfg.Timesteps, cfg.BatchSize), tensor.WithBacking(labels)),
		)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

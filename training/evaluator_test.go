package training

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"gorgonia.org/tensor"

	"github.com/faultlens/faultlens/data"
	"github.com/faultlens/faultlens/model"
)

func newTestModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(model.Config{
		InputChannels:     3,
		ActionCount:       2,
		LatentDims:        2,
		EncoderHidden:     []int{4},
		DecoderHidden:     []int{4},
		RecommenderHidden: []int{4},
		Seed:              7,
	})
	if err != nil {
		t.Fatalf("failed to build test model: %v", err)
	}
	return m
}

func newTestBatch(t *testing.T) *data.Batch {
	t.Helper()
	const channels, timesteps, batchSize, actions = 3, 2, 2, 2

	rng := rand.New(rand.NewSource(3))
	vectors := make([]float64, channels*timesteps*batchSize)
	for i := range vectors {
		vectors[i] = rng.NormFloat64()
	}
	labels := make([]float64, actions*timesteps*batchSize)
	for ti := 0; ti < timesteps; ti++ {
		for bi := 0; bi < batchSize; bi++ {
			action := (ti + bi) % actions
			labels[action*timesteps*batchSize+ti*batchSize+bi] = 1
		}
	}

	batch, err := data.NewBatch(
		tensor.New(tensor.WithShape(channels, timesteps, batchSize), tensor.WithBacking(vectors)),
		tensor.New(tensor.WithShape(actions, timesteps, batchSize), tensor.WithBacking(labels)),
	)
	if err != nil {
		t.Fatalf("failed to build test batch: %v", err)
	}
	return batch
}

// fillNetwork overwrites every parameter of a network with one value.
func fillNetwork(n *model.Network, v float64) {
	for _, p := range n.Params() {
		d := p.Value.Data().([]float64)
		for i := range d {
			d[i] = v
		}
	}
}

func newTestParams(seed int64) *Params {
	p := DefaultParams()
	p.Seed = seed
	p.MonteCarloReps = 2
	return p
}

func TestEvaluate(t *testing.T) {
	t.Run("Total loss is the sum of its terms", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)
		p := newTestParams(42)

		losses, grads, err := NewEvaluator().Evaluate(m, batch, p)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if grads == nil {
			t.Fatal("expected gradients for a healthy evaluation")
		}

		sum := losses.ReconLoss + losses.KLLoss + losses.ActionLoss
		if math.Abs(losses.TotalLoss-sum) > 1e-12 {
			t.Errorf("total loss %g does not equal term sum %g", losses.TotalLoss, sum)
		}
		if losses.ReconLoss <= 0 {
			t.Errorf("expected positive reconstruction loss, got %g", losses.ReconLoss)
		}
		if losses.ActionLoss <= 0 {
			t.Errorf("expected positive action loss, got %g", losses.ActionLoss)
		}
	})

	t.Run("Zero encoder gives zero KL loss", func(t *testing.T) {
		m := newTestModel(t)
		fillNetwork(m.Encoder, 0)
		batch := newTestBatch(t)
		p := newTestParams(42)

		losses, _, err := NewEvaluator().Evaluate(m, batch, p)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		// Means 0 and log-variances 0 match the standard normal prior exactly.
		if math.Abs(losses.KLLoss) > 1e-12 {
			t.Errorf("expected zero KL loss for a zero posterior, got %g", losses.KLLoss)
		}
		if losses.ReconLoss <= 0 || losses.ActionLoss <= 0 {
			t.Errorf("reconstruction and action losses should stay positive: %+v", losses)
		}
	})

	t.Run("Deterministic for identical snapshots", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)

		p1 := newTestParams(42)
		p1.Iteration = 7
		p2 := newTestParams(42)
		p2.Iteration = 7

		losses1, grads1, err := NewEvaluator().Evaluate(m, batch, p1)
		if err != nil {
			t.Fatalf("first evaluation failed: %v", err)
		}
		losses2, grads2, err := NewEvaluator().Evaluate(m, batch, p2)
		if err != nil {
			t.Fatalf("second evaluation failed: %v", err)
		}

		if losses1 != losses2 {
			t.Errorf("losses differ across identical snapshots: %+v vs %+v", losses1, losses2)
		}
		if p1.KLLossFactor != p2.KLLossFactor || p1.MinKLScalingLoss != p2.MinKLScalingLoss {
			t.Errorf("adaptive state differs across identical snapshots")
		}

		g1 := grads1["encoder"]["w0"].Data().([]float64)
		g2 := grads2["encoder"]["w0"].Data().([]float64)
		if !reflect.DeepEqual(g1, g2) {
			t.Error("encoder gradients differ across identical snapshots")
		}
	})

	t.Run("Gradient shapes match parameters", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)

		_, grads, err := NewEvaluator().Evaluate(m, batch, newTestParams(42))
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		for _, net := range m.Networks() {
			netGrads, ok := grads[net.Name]
			if !ok {
				t.Fatalf("no gradients for network %s", net.Name)
			}
			for _, param := range net.Params() {
				g, ok := netGrads[param.Name]
				if !ok {
					t.Fatalf("no gradient for %s/%s", net.Name, param.Name)
				}
				if !g.Shape().Eq(param.Value.Shape()) {
					t.Errorf("gradient shape %v for %s/%s does not match parameter shape %v",
						g.Shape(), net.Name, param.Name, param.Value.Shape())
				}
			}
		}
	})

	t.Run("Model parameters unchanged by evaluation", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)
		before := m.Snapshot()

		if _, _, err := NewEvaluator().Evaluate(m, batch, newTestParams(42)); err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		if !reflect.DeepEqual(before, m.Snapshot()) {
			t.Error("evaluation mutated model parameters")
		}
	})

	t.Run("Adaptive weight updated from raw losses", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)
		p := newTestParams(42)

		if _, _, err := NewEvaluator().Evaluate(m, batch, p); err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		// The first observed scaling loss is far below the initial minimum,
		// so the minimum drops and the factor stays saturated at 1.
		if p.MinKLScalingLoss >= 10000 {
			t.Errorf("running minimum was not updated: %g", p.MinKLScalingLoss)
		}
		if p.KLLossFactor != 1 {
			t.Errorf("expected factor 1 on the first observation, got %g", p.KLLossFactor)
		}
	})

	t.Run("KL term scaled by the adapted weight", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)

		// With the default minimum the factor saturates at 1 and the KL term
		// is reported unweighted.
		p1 := newTestParams(42)
		losses1, _, err := NewEvaluator().Evaluate(m, batch, p1)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if p1.KLLossFactor != 1 {
			t.Fatalf("expected saturated factor, got %g", p1.KLLossFactor)
		}

		// A tiny recorded minimum forces the factor far below 1, and the
		// reported KL term must shrink by exactly that factor.
		p2 := newTestParams(42)
		p2.MinKLScalingLoss = 1e-6
		losses2, _, err := NewEvaluator().Evaluate(m, batch, p2)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if p2.KLLossFactor >= 1 {
			t.Fatalf("expected the factor to drop below 1, got %g", p2.KLLossFactor)
		}

		if want := p2.KLLossFactor * losses1.KLLoss; math.Abs(losses2.KLLoss-want) > 1e-12 {
			t.Errorf("weighted KL loss %g, expected %g", losses2.KLLoss, want)
		}
		if losses2.ReconLoss != losses1.ReconLoss || losses2.ActionLoss != losses1.ActionLoss {
			t.Errorf("reconstruction and action losses must not depend on the KL weight: %+v vs %+v",
				losses2, losses1)
		}
	})

	t.Run("Divergence returns typed error with losses", func(t *testing.T) {
		m := newTestModel(t)
		fillNetwork(m.Decoder, 1e6)
		batch := newTestBatch(t)
		p := newTestParams(42)
		p.Epoch = 2
		p.Iteration = 9

		losses, grads, err := NewEvaluator().Evaluate(m, batch, p)
		if err == nil {
			t.Fatal("expected a divergence error")
		}
		var diverged *DivergedTrainingError
		if !errors.As(err, &diverged) {
			t.Fatalf("expected *DivergedTrainingError, got %T: %v", err, err)
		}
		if diverged.Epoch != 2 || diverged.Iteration != 9 {
			t.Errorf("divergence error carries wrong position: epoch %d iteration %d",
				diverged.Epoch, diverged.Iteration)
		}
		if diverged.TotalLoss <= diverged.Ceiling {
			t.Errorf("divergence error loss %g is below ceiling %g", diverged.TotalLoss, diverged.Ceiling)
		}
		if losses.TotalLoss != diverged.TotalLoss {
			t.Errorf("returned losses %g disagree with error %g", losses.TotalLoss, diverged.TotalLoss)
		}
		if grads != nil {
			t.Error("no gradients should be returned on divergence")
		}
	})

	t.Run("Strict mode rejects non-finite encoder output", func(t *testing.T) {
		m := newTestModel(t)
		fillNetwork(m.Encoder, math.NaN())
		batch := newTestBatch(t)
		p := newTestParams(42)
		p.Strict = true

		_, _, err := NewEvaluator().Evaluate(m, batch, p)
		var nonFinite *NonFiniteValueError
		if !errors.As(err, &nonFinite) {
			t.Fatalf("expected *NonFiniteValueError, got %T: %v", err, err)
		}
		if nonFinite.Quantity != "encoder output" {
			t.Errorf("expected encoder output to be flagged, got %q", nonFinite.Quantity)
		}
	})

	t.Run("Dimension mismatch is rejected", func(t *testing.T) {
		batch := newTestBatch(t)

		wrong, err := model.New(model.Config{
			InputChannels:     batch.Channels() + 1,
			ActionCount:       batch.Actions(),
			LatentDims:        2,
			EncoderHidden:     []int{4},
			DecoderHidden:     []int{4},
			RecommenderHidden: []int{4},
		})
		if err != nil {
			t.Fatalf("failed to build mismatched model: %v", err)
		}
		if _, _, err := NewEvaluator().Evaluate(wrong, batch, newTestParams(42)); err == nil {
			t.Error("expected an error for mismatched channel counts")
		}
	})

	t.Run("Intermediates recorded for postmortem", func(t *testing.T) {
		m := newTestModel(t)
		batch := newTestBatch(t)
		e := NewEvaluator()

		if _, _, err := e.Evaluate(m, batch, newTestParams(42)); err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		inter := e.LastIntermediates()
		for _, name := range []string{"encoder_output", "means", "logvars", "latent_sample"} {
			if len(inter[name]) == 0 {
				t.Errorf("intermediate %s is missing or empty", name)
			}
		}
		rows := batch.Rows()
		if got := len(inter["means"]); got != rows*m.LatentDims {
			t.Errorf("means length %d, expected %d", got, rows*m.LatentDims)
		}
	})
}

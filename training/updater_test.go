package training

import (
	"errors"
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/faultlens/faultlens/model"
	"github.com/faultlens/faultlens/optimizer"
)

// constantGradients builds a full gradient set with every element set to v.
func constantGradients(m *model.Model, v float64) Gradients {
	grads := make(Gradients)
	for _, net := range m.Networks() {
		netGrads := make(map[string]tensor.Tensor)
		for _, p := range net.Params() {
			backing := make([]float64, p.Value.Shape().TotalSize())
			for i := range backing {
				backing[i] = v
			}
			netGrads[p.Name] = tensor.New(
				tensor.WithShape(p.Value.Shape()...),
				tensor.WithBacking(backing),
			)
		}
		grads[net.Name] = netGrads
	}
	return grads
}

func TestUpdater(t *testing.T) {
	t.Run("SGD step moves every parameter by -lr*grad", func(t *testing.T) {
		m := newTestModel(t)
		before := m.Snapshot()

		p := newTestParams(42)
		p.LearnRate = 0.1
		u := NewUpdater(optimizer.NewSGD(optimizer.DefaultSGDConfig()))

		if err := u.Update(m, LossSet{}, constantGradients(m, 1), p); err != nil {
			t.Fatalf("update failed: %v", err)
		}

		after := m.Snapshot()
		for i, w := range after {
			for j, v := range w.Data {
				want := before[i].Data[j] - 0.1
				if math.Abs(v-want) > 1e-12 {
					t.Fatalf("%s/%s[%d]: expected %g, got %g", w.Network, w.Name, j, want, v)
				}
			}
		}
	})

	t.Run("Learning rate is taken from params each call", func(t *testing.T) {
		m := newTestModel(t)
		before := m.Snapshot()

		p := newTestParams(42)
		p.LearnRate = 0.5
		u := NewUpdater(optimizer.NewSGD(optimizer.DefaultSGDConfig()))

		if err := u.Update(m, LossSet{}, constantGradients(m, 1), p); err != nil {
			t.Fatalf("update failed: %v", err)
		}

		got := m.Snapshot()[0].Data[0]
		want := before[0].Data[0] - 0.5
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("expected configured learn rate to override the optimizer default: got %g, want %g", got, want)
		}
	})

	t.Run("Gradient check rejects non-finite gradients", func(t *testing.T) {
		m := newTestModel(t)
		before := m.Snapshot()

		grads := constantGradients(m, 1)
		grads["decoder"]["w0"].Data().([]float64)[0] = math.NaN()

		u := NewUpdater(optimizer.NewSGD(optimizer.DefaultSGDConfig()))
		u.CheckGradients = true

		err := u.Update(m, LossSet{}, grads, newTestParams(42))
		var nonFinite *NonFiniteGradientError
		if !errors.As(err, &nonFinite) {
			t.Fatalf("expected *NonFiniteGradientError, got %T: %v", err, err)
		}
		if nonFinite.Network != "decoder" || nonFinite.Param != "w0" {
			t.Errorf("error names wrong parameter: %s/%s", nonFinite.Network, nonFinite.Param)
		}

		// No parameter may be touched when the check fires.
		after := m.Snapshot()
		for i, w := range after {
			for j, v := range w.Data {
				if v != before[i].Data[j] {
					t.Fatalf("%s/%s[%d] changed despite rejected gradients", w.Network, w.Name, j)
				}
			}
		}
	})

	t.Run("Gradient check disabled by default", func(t *testing.T) {
		m := newTestModel(t)
		grads := constantGradients(m, 1)
		grads["decoder"]["w0"].Data().([]float64)[0] = math.NaN()

		u := NewUpdater(optimizer.NewSGD(optimizer.DefaultSGDConfig()))
		if err := u.Update(m, LossSet{}, grads, newTestParams(42)); err != nil {
			t.Errorf("unchecked update should not fail on non-finite gradients: %v", err)
		}
	})

	t.Run("Missing gradients are an error", func(t *testing.T) {
		m := newTestModel(t)
		grads := constantGradients(m, 1)
		delete(grads, "recommender")

		u := NewUpdater(optimizer.NewSGD(optimizer.DefaultSGDConfig()))
		if err := u.Update(m, LossSet{}, grads, newTestParams(42)); err == nil {
			t.Error("expected an error for missing network gradients")
		}

		grads = constantGradients(m, 1)
		delete(grads["encoder"], "b0")
		if err := u.Update(m, LossSet{}, grads, newTestParams(42)); err == nil {
			t.Error("expected an error for a missing parameter gradient")
		}
	})
}

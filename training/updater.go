package training

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/faultlens/faultlens/model"
	"github.com/faultlens/faultlens/optimizer"
)

// Updater applies one optimizer step to the trained sub-networks. It is pure
// over its inputs except for the explicit in-place mutation of the model
// parameters (and the optimizer's own moment state).
type Updater struct {
	opt optimizer.Optimizer

	// CheckGradients surfaces non-finite gradients as
	// *NonFiniteGradientError before any parameter is touched. Disabled by
	// default for parity with the unchecked reference behavior.
	CheckGradients bool
}

// NewUpdater wraps an optimizer.
func NewUpdater(opt optimizer.Optimizer) *Updater {
	return &Updater{opt: opt}
}

// Optimizer returns the wrapped optimizer, e.g. for checkpoint state export.
func (u *Updater) Optimizer() optimizer.Optimizer { return u.opt }

// Update applies one optimization step to the encoder, decoder and
// recommender parameters using the corresponding gradient sets. The learning
// rate is taken from params on every call so schedules compose.
func (u *Updater) Update(m *model.Model, losses LossSet, grads Gradients, p *Params) error {
	if u.CheckGradients {
		if err := checkFiniteGradients(m, grads); err != nil {
			return err
		}
	}

	params := make(map[string]*tensor.Dense)
	flat := make(map[string]tensor.Tensor)
	for _, net := range m.Networks() {
		netGrads, ok := grads[net.Name]
		if !ok {
			return fmt.Errorf("gradients missing for network %s", net.Name)
		}
		for _, param := range net.Params() {
			g, ok := netGrads[param.Name]
			if !ok {
				return fmt.Errorf("gradient missing for %s/%s", net.Name, param.Name)
			}
			key := net.Name + "/" + param.Name
			params[key] = param.Value
			flat[key] = g
		}
	}

	u.opt.UpdateLearningRate(p.LearnRate)
	if err := u.opt.Step(params, flat); err != nil {
		return fmt.Errorf("optimizer step failed: %v", err)
	}
	return nil
}

func checkFiniteGradients(m *model.Model, grads Gradients) error {
	for _, net := range m.Networks() {
		for name, g := range grads[net.Name] {
			data, ok := g.Data().([]float64)
			if !ok {
				continue
			}
			for _, v := range data {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return &NonFiniteGradientError{Network: net.Name, Param: name}
				}
			}
		}
	}
	return nil
}

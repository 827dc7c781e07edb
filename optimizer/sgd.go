package optimizer

import (
	"fmt"

	"gorgonia.org/tensor"
)

// SGDConfig holds configuration for stochastic gradient descent.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // 0 disables the velocity term
	WeightDecay  float64
}

// DefaultSGDConfig returns plain gradient descent with a 0.01 learning rate.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
	}
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	config    SGDConfig
	stepCount uint64

	velocity map[string][]float64
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	return &SGD{
		config:   config,
		velocity: make(map[string][]float64),
	}
}

// Name returns "SGD".
func (s *SGD) Name() string { return "SGD" }

// StepCount returns the number of steps taken so far.
func (s *SGD) StepCount() uint64 { return s.stepCount }

// UpdateLearningRate updates the learning rate for subsequent steps.
func (s *SGD) UpdateLearningRate(lr float64) { s.config.LearningRate = lr }

// Step applies one SGD step to every parameter, mutating params in place.
func (s *SGD) Step(params map[string]*tensor.Dense, grads map[string]tensor.Tensor) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters to update")
	}

	s.stepCount++

	for _, key := range sortedKeys(params) {
		param := params[key]
		pdata := param.Data().([]float64)

		gdata, err := gradData(key, param, grads)
		if err != nil {
			return fmt.Errorf("SGD step failed: %v", err)
		}

		if s.config.Momentum > 0 {
			vel, ok := s.velocity[key]
			if !ok {
				vel = make([]float64, len(pdata))
				s.velocity[key] = vel
			}
			for i, g := range gdata {
				if s.config.WeightDecay > 0 {
					g += s.config.WeightDecay * pdata[i]
				}
				vel[i] = s.config.Momentum*vel[i] + g
				pdata[i] -= s.config.LearningRate * vel[i]
			}
		} else {
			for i, g := range gdata {
				if s.config.WeightDecay > 0 {
					g += s.config.WeightDecay * pdata[i]
				}
				pdata[i] -= s.config.LearningRate * g
			}
		}
	}

	return nil
}

// State extracts the velocity buffers and hyperparameters for checkpointing.
func (s *SGD) State() (*State, error) {
	state := &State{
		Type:      s.Name(),
		StepCount: s.stepCount,
		Parameters: map[string]float64{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
		},
	}
	for key, vel := range s.velocity {
		state.Tensors = append(state.Tensors, StateTensor{
			Name:      key,
			StateType: "velocity",
			Data:      append([]float64(nil), vel...),
		})
	}
	return state, nil
}

// LoadState restores the velocity buffers from a checkpoint.
func (s *SGD) LoadState(state *State) error {
	if err := validateStateType(s.Name(), state); err != nil {
		return err
	}

	s.stepCount = state.StepCount
	s.velocity = make(map[string][]float64)
	for _, st := range state.Tensors {
		if st.StateType != "velocity" {
			return fmt.Errorf("unknown SGD state type %q for %s", st.StateType, st.Name)
		}
		s.velocity[st.Name] = append([]float64(nil), st.Data...)
	}
	return nil
}

package optimizer

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // momentum decay (typically 0.9)
	Beta2        float64 // variance decay (typically 0.999)
	Epsilon      float64 // small constant to prevent division by zero
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates, maintained per parameter key.
type Adam struct {
	config    AdamConfig
	stepCount uint64

	m map[string][]float64 // first moment per parameter key
	v map[string][]float64 // second moment per parameter key
}

// NewAdam creates an Adam optimizer. Moment buffers are allocated lazily on
// the first step for each parameter key.
func NewAdam(config AdamConfig) *Adam {
	return &Adam{
		config: config,
		m:      make(map[string][]float64),
		v:      make(map[string][]float64),
	}
}

// Name returns "Adam".
func (a *Adam) Name() string { return "Adam" }

// StepCount returns the number of steps taken so far.
func (a *Adam) StepCount() uint64 { return a.stepCount }

// UpdateLearningRate updates the learning rate for subsequent steps.
func (a *Adam) UpdateLearningRate(lr float64) { a.config.LearningRate = lr }

// Step applies one Adam step to every parameter, mutating params in place.
func (a *Adam) Step(params map[string]*tensor.Dense, grads map[string]tensor.Tensor) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters to update")
	}

	a.stepCount++
	t := float64(a.stepCount)
	biasCorr1 := 1 - math.Pow(a.config.Beta1, t)
	biasCorr2 := 1 - math.Pow(a.config.Beta2, t)

	for _, key := range sortedKeys(params) {
		param := params[key]
		pdata := param.Data().([]float64)

		gdata, err := gradData(key, param, grads)
		if err != nil {
			return fmt.Errorf("Adam step failed: %v", err)
		}

		m, ok := a.m[key]
		if !ok {
			m = make([]float64, len(pdata))
			a.m[key] = m
		}
		v, ok := a.v[key]
		if !ok {
			v = make([]float64, len(pdata))
			a.v[key] = v
		}

		for i, g := range gdata {
			if a.config.WeightDecay > 0 {
				g += a.config.WeightDecay * pdata[i]
			}
			m[i] = a.config.Beta1*m[i] + (1-a.config.Beta1)*g
			v[i] = a.config.Beta2*v[i] + (1-a.config.Beta2)*g*g

			mHat := m[i] / biasCorr1
			vHat := v[i] / biasCorr2
			pdata[i] -= a.config.LearningRate * mHat / (math.Sqrt(vHat) + a.config.Epsilon)
		}
	}

	return nil
}

// State extracts the moment buffers and hyperparameters for checkpointing.
func (a *Adam) State() (*State, error) {
	state := &State{
		Type:      a.Name(),
		StepCount: a.stepCount,
		Parameters: map[string]float64{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
		},
	}
	for key, m := range a.m {
		state.Tensors = append(state.Tensors, StateTensor{
			Name:      key,
			StateType: "m",
			Data:      append([]float64(nil), m...),
		})
	}
	for key, v := range a.v {
		state.Tensors = append(state.Tensors, StateTensor{
			Name:      key,
			StateType: "v",
			Data:      append([]float64(nil), v...),
		})
	}
	return state, nil
}

// LoadState restores the moment buffers from a checkpoint.
func (a *Adam) LoadState(state *State) error {
	if err := validateStateType(a.Name(), state); err != nil {
		return err
	}

	a.stepCount = state.StepCount
	a.m = make(map[string][]float64)
	a.v = make(map[string][]float64)
	for _, st := range state.Tensors {
		data := append([]float64(nil), st.Data...)
		switch st.StateType {
		case "m":
			a.m[st.Name] = data
		case "v":
			a.v[st.Name] = data
		default:
			return fmt.Errorf("unknown Adam state type %q for %s", st.StateType, st.Name)
		}
	}
	return nil
}

package optimizer

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"
)

// Optimizer defines the common interface for all optimizers. One Step call
// covers every trained parameter set, keyed "network/param" (e.g.
// "encoder/w0"), with gradients structurally matching the parameters.
// The interface enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step applies one optimization step, mutating params in place.
	Step(params map[string]*tensor.Dense, grads map[string]tensor.Tensor) error

	// UpdateLearningRate updates the learning rate before the next step.
	UpdateLearningRate(lr float64)

	// StepCount returns the number of steps taken so far.
	StepCount() uint64

	// State extracts optimizer state for checkpointing.
	State() (*State, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *State) error

	// Name returns the optimizer name for logging and state validation.
	Name() string
}

// State represents the complete serializable state of an optimizer.
type State struct {
	Type       string             `json:"type"` // "Adam", "SGD", ...
	StepCount  uint64             `json:"step_count"`
	Parameters map[string]float64 `json:"parameters"` // hyperparameters
	Tensors    []StateTensor      `json:"tensors"`
}

// StateTensor is one optimizer state buffer (momentum, variance, ...).
type StateTensor struct {
	Name      string    `json:"name"`       // parameter key, e.g. "encoder/w0"
	StateType string    `json:"state_type"` // "m", "v", "velocity", ...
	Data      []float64 `json:"data"`
}

// validateStateType ensures the state type matches the optimizer.
func validateStateType(optimizerType string, state *State) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// gradData extracts the float64 backing of one gradient and checks that it
// structurally matches the parameter it belongs to.
func gradData(key string, param *tensor.Dense, grads map[string]tensor.Tensor) ([]float64, error) {
	g, ok := grads[key]
	if !ok {
		return nil, fmt.Errorf("missing gradient for parameter %s", key)
	}
	data, ok := g.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("gradient %s must have float64 backing, got %T", key, g.Data())
	}
	pdata := param.Data().([]float64)
	if len(data) != len(pdata) {
		return nil, fmt.Errorf("gradient %s size mismatch: gradient %d, parameter %d", key, len(data), len(pdata))
	}
	return data, nil
}

// sortedKeys returns parameter keys in a deterministic order.
func sortedKeys(params map[string]*tensor.Dense) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

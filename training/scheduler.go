package training

import "math"

// LRScheduler computes the learning rate for a given epoch and step. All
// schedulers are pure functions over their inputs.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step.
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// StepDecayScheduler reduces the learning rate by a factor every StepSize
// epochs.
type StepDecayScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepDecayScheduler creates a step decay scheduler.
func NewStepDecayScheduler(stepSize int, gamma float64) *StepDecayScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepDecayScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepDecayScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepDecayScheduler) GetName() string { return "StepDecay" }

// ExponentialScheduler decays the learning rate exponentially per epoch.
type ExponentialScheduler struct {
	Gamma float64
}

// NewExponentialScheduler creates an exponential decay scheduler.
func NewExponentialScheduler(gamma float64) *ExponentialScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialScheduler{Gamma: gamma}
}

func (s *ExponentialScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialScheduler) GetName() string { return "Exponential" }

package training

import "fmt"

// DivergedTrainingError is returned when the total loss exceeds the hard
// ceiling. It is fatal: the caller snapshots state for postmortem and the
// error propagates out of the training loop without retry.
type DivergedTrainingError struct {
	TotalLoss float64
	Ceiling   float64
	Epoch     int
	Iteration int
}

func (e *DivergedTrainingError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d iteration %d: total loss %g exceeds ceiling %g",
		e.Epoch, e.Iteration, e.TotalLoss, e.Ceiling)
}

// NonFiniteValueError is returned in strict mode when an intermediate value
// (encoder output, KL loss, reconstruction loss) is non-finite, or when a
// loss term that must be non-negative goes negative.
type NonFiniteValueError struct {
	Quantity string
	Value    float64
}

func (e *NonFiniteValueError) Error() string {
	return fmt.Sprintf("non-finite or invalid %s: %g", e.Quantity, e.Value)
}

// NonFiniteGradientError is returned by the parameter updater when gradient
// checking is enabled and a gradient contains NaN or Inf.
type NonFiniteGradientError struct {
	Network string
	Param   string
}

func (e *NonFiniteGradientError) Error() string {
	return fmt.Sprintf("non-finite gradient for %s/%s", e.Network, e.Param)
}

// ResourceWriteError wraps a checkpoint or metric log write failure. These
// are recoverable: the loop logs them and continues training.
type ResourceWriteError struct {
	Path string
	Err  error
}

func (e *ResourceWriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *ResourceWriteError) Unwrap() error { return e.Err }

package training

import "fmt"

// Params is the mutable training configuration and state record threaded
// through every evaluator, updater and loop call. Every recognized field is
// enumerated here; there is no dynamic configuration map.
type Params struct {
	// Optimization
	LearnRate      float64
	MonteCarloReps int // latent samples averaged per batch

	// Loss weighting
	ReconLossFactor  float64
	ActionLossFactor float64
	KLLossFactor     float64 // always in (0, 1], adjusted by the adaptive policy
	MinKLScalingLoss float64 // running minimum consumed by the adaptive policy

	// Counters, advanced by the training loop
	Epoch          int
	Iteration      int // monotone across epochs
	EpochIteration int // reset at each epoch start

	// Loop configuration
	EpochCount         int
	ValidationInterval int // iterations between validation passes
	CheckpointInterval int // iterations between mid-epoch checkpoints
	ConsoleInterval    int // iterations between emitted metric records

	// Strict enables finiteness and negativity checks on intermediate
	// values. Off by default.
	Strict bool

	// Seed fixes the Monte Carlo noise sequence. Combined with the
	// iteration counter it makes evaluation restartable.
	Seed int64
}

// DefaultParams returns the reference configuration.
func DefaultParams() *Params {
	return &Params{
		LearnRate:          1e-3,
		MonteCarloReps:     3,
		ReconLossFactor:    1.0,
		ActionLossFactor:   1.0,
		KLLossFactor:       1.0,
		MinKLScalingLoss:   10000,
		EpochCount:         10,
		ValidationInterval: 3,
		CheckpointInterval: 1000,
		ConsoleInterval:    25,
	}
}

// Validate checks the configuration once at construction time.
func (p *Params) Validate() error {
	if p.LearnRate <= 0 {
		return fmt.Errorf("learn rate must be positive, got %g", p.LearnRate)
	}
	if p.MonteCarloReps <= 0 {
		return fmt.Errorf("monte carlo reps must be positive, got %d", p.MonteCarloReps)
	}
	if p.ReconLossFactor < 0 || p.ActionLossFactor < 0 {
		return fmt.Errorf("loss factors must be non-negative, got recon=%g action=%g",
			p.ReconLossFactor, p.ActionLossFactor)
	}
	if p.KLLossFactor <= 0 || p.KLLossFactor > 1 {
		return fmt.Errorf("kl loss factor must be in (0, 1], got %g", p.KLLossFactor)
	}
	if p.MinKLScalingLoss <= 0 {
		return fmt.Errorf("min kl scaling loss must be positive, got %g", p.MinKLScalingLoss)
	}
	if p.EpochCount <= 0 {
		return fmt.Errorf("epoch count must be positive, got %d", p.EpochCount)
	}
	if p.ValidationInterval <= 0 || p.CheckpointInterval <= 0 || p.ConsoleInterval <= 0 {
		return fmt.Errorf("intervals must be positive, got validation=%d checkpoint=%d console=%d",
			p.ValidationInterval, p.CheckpointInterval, p.ConsoleInterval)
	}
	return nil
}

package training

import (
	"fmt"

	"gorgonia.org/tensor"
)

// LossSet is the per-batch loss breakdown. All values are post-scaling;
// TotalLoss is exactly their sum.
type LossSet struct {
	ReconLoss  float64
	KLLoss     float64
	ActionLoss float64
	TotalLoss  float64
}

func (l LossSet) String() string {
	return fmt.Sprintf("total=%.6f recon=%.6f kl=%.6f action=%.6f",
		l.TotalLoss, l.ReconLoss, l.KLLoss, l.ActionLoss)
}

// Gradients maps each trained sub-network to its parameter gradients, keyed
// by parameter name with shapes matching the parameters. Gradients are
// ephemeral: produced by the evaluator, consumed immediately by the updater.
type Gradients map[string]map[string]tensor.Tensor

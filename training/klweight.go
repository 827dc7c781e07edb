package training

// AdaptKLWeight adjusts the KL loss weight from the observed reconstruction
// plus action loss of the current batch. It keeps the KL term from dominating
// before reconstruction and action learning have made progress: as the
// scaling loss falls below its historical minimum, the KL weight shrinks
// proportionally and the floor drops to the new minimum. The weight never
// exceeds 1 and is non-increasing over a monotonically decreasing sequence of
// scaling losses.
//
// The policy is stateful and order-dependent: the factor is computed against
// the minimum recorded before this call, then the minimum is updated. A
// non-positive scaling loss leaves both fields untouched.
func AdaptKLWeight(p *Params, klScalingLoss float64) {
	if klScalingLoss <= 0 {
		return
	}

	factor := p.MinKLScalingLoss / klScalingLoss
	if factor > 1 {
		factor = 1
	}
	p.KLLossFactor = factor

	if klScalingLoss < p.MinKLScalingLoss {
		p.MinKLScalingLoss = klScalingLoss
	}
}

package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
)

// Sampler draws a latent sample from the encoder's posterior using the
// reparameterization trick: z = means + exp(0.5*logvars) ⊙ eps, with eps
// drawn from N(0, I) outside the graph. Keeping the noise as a graph input
// leaves the sample differentiable with respect to the encoder parameters.
// The sampler itself has no trainable parameters.
type Sampler struct {
	LatentDims int
}

// Sample builds the sampling expression. means, logvars and eps must all have
// shape [rows, LatentDims].
func (s *Sampler) Sample(means, logvars, eps *gorgonia.Node) (*gorgonia.Node, error) {
	half := gorgonia.NewConstant(0.5)
	halfLogvars, err := gorgonia.Mul(half, logvars)
	if err != nil {
		return nil, fmt.Errorf("sampler scale failed: %v", err)
	}
	std, err := gorgonia.Exp(halfLogvars)
	if err != nil {
		return nil, fmt.Errorf("sampler exp failed: %v", err)
	}
	noise, err := gorgonia.HadamardProd(std, eps)
	if err != nil {
		return nil, fmt.Errorf("sampler noise product failed: %v", err)
	}
	z, err := gorgonia.Add(means, noise)
	if err != nil {
		return nil, fmt.Errorf("sampler shift failed: %v", err)
	}
	return z, nil
}

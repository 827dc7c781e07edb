package training

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/faultlens/faultlens/data"
	"github.com/faultlens/faultlens/model"
)

// DivergenceCeiling is the hard total-loss ceiling. Exceeding it is fatal.
const DivergenceCeiling = 1e6

// logEpsilon guards the cross-entropy log against zero probabilities.
const logEpsilon = 1e-10

// Evaluator computes the per-batch losses and gradients of the sequence
// autoencoder: closed-form Gaussian KL against the standard normal prior,
// Monte Carlo averaged reconstruction MSE and action cross-entropy, adaptive
// KL weighting, and reverse-mode gradients of the weighted total.
type Evaluator struct {
	ceiling float64

	lastIntermediates map[string][]float64
}

// NewEvaluator creates an evaluator with the default divergence ceiling.
func NewEvaluator() *Evaluator {
	return &Evaluator{ceiling: DivergenceCeiling}
}

// Evaluate runs the model forward on one batch and returns the loss set and
// the gradients of the total loss with respect to the encoder, decoder and
// recommender parameters. The sampler has no parameters and is not trained
// directly.
//
// Side effects on p: KLLossFactor and MinKLScalingLoss are updated by the
// adaptive policy and carried forward to the next call. Given an identical
// (model, batch, params) snapshot the result is deterministic: the Monte
// Carlo noise sequence is derived from p.Seed and p.Iteration.
//
// On divergence (total loss above the ceiling, or non-finite) the computed
// losses are returned together with a *DivergedTrainingError; the caller is
// expected to snapshot state for postmortem before propagating.
func (e *Evaluator) Evaluate(m *model.Model, batch *data.Batch, p *Params) (LossSet, Gradients, error) {
	if m.Encoder.OutputDims() != 2*m.LatentDims {
		return LossSet{}, nil, fmt.Errorf("encoder must output %d channels (2*latent dims), got %d",
			2*m.LatentDims, m.Encoder.OutputDims())
	}
	if batch.Channels() != m.Encoder.InputDims() {
		return LossSet{}, nil, fmt.Errorf("batch has %d channels, encoder expects %d",
			batch.Channels(), m.Encoder.InputDims())
	}
	if batch.Actions() != m.Recommender.OutputDims() {
		return LossSet{}, nil, fmt.Errorf("batch has %d action labels, recommender expects %d",
			batch.Actions(), m.Recommender.OutputDims())
	}

	xMat, yMat, err := batch.Flatten()
	if err != nil {
		return LossSet{}, nil, err
	}
	rows := batch.Rows()
	latent := m.LatentDims

	g := gorgonia.NewGraph()
	xn := gorgonia.NodeFromAny(g, xMat, gorgonia.WithName("error_vectors"))
	yn := gorgonia.NodeFromAny(g, yMat, gorgonia.WithName("action_labels"))

	encoder, err := m.Encoder.Bind(g)
	if err != nil {
		return LossSet{}, nil, err
	}
	decoder, err := m.Decoder.Bind(g)
	if err != nil {
		return LossSet{}, nil, err
	}
	recommender, err := m.Recommender.Bind(g)
	if err != nil {
		return LossSet{}, nil, err
	}

	encOut, err := encoder.Apply(xn)
	if err != nil {
		return LossSet{}, nil, err
	}

	// Split encoder output into posterior means and log-variances. The
	// exp keeps variances strictly positive.
	means, err := gorgonia.Slice(encOut, nil, gorgonia.S(0, latent))
	if err != nil {
		return LossSet{}, nil, fmt.Errorf("failed to slice means: %v", err)
	}
	logvars, err := gorgonia.Slice(encOut, nil, gorgonia.S(latent, 2*latent))
	if err != nil {
		return LossSet{}, nil, fmt.Errorf("failed to slice log-variances: %v", err)
	}

	klRaw, err := buildKLLoss(means, logvars, latent)
	if err != nil {
		return LossSet{}, nil, err
	}

	// Monte Carlo loop: average reconstruction MSE and action cross-entropy
	// over several latent samples to reduce gradient variance.
	rng := rand.New(rand.NewSource(p.Seed + int64(p.Iteration)))
	var reconSum, actionSum, lastSample *gorgonia.Node
	for r := 0; r < p.MonteCarloReps; r++ {
		eps := noiseTensor(rng, rows, latent)
		epsn := gorgonia.NodeFromAny(g, eps, gorgonia.WithName(fmt.Sprintf("eps_%d", r)))

		z, err := m.Sampler.Sample(means, logvars, epsn)
		if err != nil {
			return LossSet{}, nil, err
		}
		lastSample = z

		decOut, err := decoder.Apply(z)
		if err != nil {
			return LossSet{}, nil, err
		}
		mse, err := buildMSELoss(decOut, xn)
		if err != nil {
			return LossSet{}, nil, err
		}

		logits, err := recommender.Apply(z)
		if err != nil {
			return LossSet{}, nil, err
		}
		ce, err := buildCrossEntropyLoss(logits, yn)
		if err != nil {
			return LossSet{}, nil, err
		}

		if reconSum == nil {
			reconSum, actionSum = mse, ce
		} else {
			if reconSum, err = gorgonia.Add(reconSum, mse); err != nil {
				return LossSet{}, nil, err
			}
			if actionSum, err = gorgonia.Add(actionSum, ce); err != nil {
				return LossSet{}, nil, err
			}
		}
	}

	invReps := gorgonia.NewConstant(1.0 / float64(p.MonteCarloReps))
	reconRaw, err := gorgonia.Mul(invReps, reconSum)
	if err != nil {
		return LossSet{}, nil, err
	}
	actionRaw, err := gorgonia.Mul(invReps, actionSum)
	if err != nil {
		return LossSet{}, nil, err
	}

	reconScaled, err := gorgonia.Mul(gorgonia.NewConstant(p.ReconLossFactor), reconRaw)
	if err != nil {
		return LossSet{}, nil, err
	}
	actionScaled, err := gorgonia.Mul(gorgonia.NewConstant(p.ActionLossFactor), actionRaw)
	if err != nil {
		return LossSet{}, nil, err
	}

	// The KL weight is a graph input: the machine first runs with weight 1
	// to observe the raw losses, the adaptive policy fires, then the
	// machine reruns with the updated weight so the gradients see it.
	klFactor := gorgonia.NewScalar(g, tensor.Float64, gorgonia.WithName("kl_factor"))
	klScaled, err := gorgonia.Mul(klFactor, klRaw)
	if err != nil {
		return LossSet{}, nil, err
	}

	partial, err := gorgonia.Add(reconScaled, klScaled)
	if err != nil {
		return LossSet{}, nil, err
	}
	total, err := gorgonia.Add(partial, actionScaled)
	if err != nil {
		return LossSet{}, nil, err
	}

	learnables := append(encoder.Learnables(), decoder.Learnables()...)
	learnables = append(learnables, recommender.Learnables()...)
	if _, err := gorgonia.Grad(total, learnables...); err != nil {
		return LossSet{}, nil, fmt.Errorf("gradient construction failed: %v", err)
	}

	machine := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(learnables...))
	defer machine.Close()

	if err := gorgonia.Let(klFactor, 1.0); err != nil {
		return LossSet{}, nil, err
	}
	if err := machine.RunAll(); err != nil {
		return LossSet{}, nil, fmt.Errorf("forward pass failed: %v", err)
	}

	reconVal, err := scalarValue(reconScaled)
	if err != nil {
		return LossSet{}, nil, err
	}
	actionVal, err := scalarValue(actionScaled)
	if err != nil {
		return LossSet{}, nil, err
	}

	AdaptKLWeight(p, reconVal+actionVal)

	// The first pass already ran with weight 1, so a rerun is only needed
	// when the policy actually moved the weight.
	if p.KLLossFactor != 1 {
		machine.Reset()
		if err := gorgonia.Let(klFactor, p.KLLossFactor); err != nil {
			return LossSet{}, nil, err
		}
		if err := machine.RunAll(); err != nil {
			return LossSet{}, nil, fmt.Errorf("weighted pass failed: %v", err)
		}
	}

	losses, err := e.collectLosses(reconScaled, klScaled, actionScaled, klRaw)
	if err != nil {
		return LossSet{}, nil, err
	}

	e.recordIntermediates(encOut, means, logvars, lastSample)

	if p.Strict {
		if err := strictChecks(encOut, losses); err != nil {
			return losses, nil, err
		}
	}

	if losses.TotalLoss > e.ceiling || math.IsNaN(losses.TotalLoss) || math.IsInf(losses.TotalLoss, 0) {
		return losses, nil, &DivergedTrainingError{
			TotalLoss: losses.TotalLoss,
			Ceiling:   e.ceiling,
			Epoch:     p.Epoch,
			Iteration: p.Iteration,
		}
	}

	grads, err := collectGradients(m, encoder, decoder, recommender)
	if err != nil {
		return losses, nil, err
	}

	return losses, grads, nil
}

// LastIntermediates returns the flattened intermediate tensors of the most
// recent evaluation for postmortem inspection.
func (e *Evaluator) LastIntermediates() map[string][]float64 {
	return e.lastIntermediates
}

// buildKLLoss builds the closed-form KL divergence between the diagonal
// Gaussian posterior N(means, exp(logvars)) and the standard normal prior:
// 0.5 * (sum(vars) - latent + sum(means^2) - sum(logvars)) per row, averaged
// over all rows. With rows flattened from [time, batch] the row average
// equals the time average followed by the batch average.
func buildKLLoss(means, logvars *gorgonia.Node, latent int) (*gorgonia.Node, error) {
	vars, err := gorgonia.Exp(logvars)
	if err != nil {
		return nil, fmt.Errorf("variance exp failed: %v", err)
	}

	sumVars, err := gorgonia.Sum(vars, 1)
	if err != nil {
		return nil, err
	}
	meansSq, err := gorgonia.Square(means)
	if err != nil {
		return nil, err
	}
	sumMeansSq, err := gorgonia.Sum(meansSq, 1)
	if err != nil {
		return nil, err
	}
	sumLogvars, err := gorgonia.Sum(logvars, 1)
	if err != nil {
		return nil, err
	}

	perRow, err := gorgonia.Add(sumVars, sumMeansSq)
	if err != nil {
		return nil, err
	}
	perRow, err = gorgonia.Sub(perRow, sumLogvars)
	if err != nil {
		return nil, err
	}
	perRow, err = gorgonia.Sub(perRow, gorgonia.NewConstant(float64(latent)))
	if err != nil {
		return nil, err
	}

	mean, err := gorgonia.Mean(perRow)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mul(gorgonia.NewConstant(0.5), mean)
}

// buildMSELoss builds the mean squared error between predicted and target.
func buildMSELoss(predicted, target *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(predicted, target)
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(sq)
}

// buildCrossEntropyLoss builds the softmax cross-entropy between logits and
// one-hot targets, averaged over rows. A small epsilon keeps the log finite.
func buildCrossEntropyLoss(logits, target *gorgonia.Node) (*gorgonia.Node, error) {
	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return nil, fmt.Errorf("softmax failed: %v", err)
	}
	safe, err := gorgonia.Add(probs, gorgonia.NewConstant(logEpsilon))
	if err != nil {
		return nil, err
	}
	logProbs, err := gorgonia.Log(safe)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(target, logProbs)
	if err != nil {
		return nil, err
	}
	perRow, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(perRow)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// collectLosses reads the post-run loss node values.
func (e *Evaluator) collectLosses(reconScaled, klScaled, actionScaled, klRaw *gorgonia.Node) (LossSet, error) {
	recon, err := scalarValue(reconScaled)
	if err != nil {
		return LossSet{}, err
	}
	kl, err := scalarValue(klScaled)
	if err != nil {
		return LossSet{}, err
	}
	action, err := scalarValue(actionScaled)
	if err != nil {
		return LossSet{}, err
	}
	return LossSet{
		ReconLoss:  recon,
		KLLoss:     kl,
		ActionLoss: action,
		TotalLoss:  recon + kl + action,
	}, nil
}

// collectGradients clones the bound dual gradients into the per-network
// gradient map.
func collectGradients(m *model.Model, encoder, decoder, recommender *model.Bound) (Gradients, error) {
	grads := make(Gradients, 3)
	bounds := map[string]*model.Bound{
		m.Encoder.Name:     encoder,
		m.Decoder.Name:     decoder,
		m.Recommender.Name: recommender,
	}
	for _, net := range m.Networks() {
		bound := bounds[net.Name]
		params := net.Params()
		netGrads := make(map[string]tensor.Tensor, len(params))
		for i, param := range params {
			node := bound.Learnables()[i]
			gv, err := node.Grad()
			if err != nil {
				return nil, fmt.Errorf("missing gradient for %s/%s: %v", net.Name, param.Name, err)
			}
			dense, ok := gv.(*tensor.Dense)
			if !ok {
				return nil, fmt.Errorf("gradient for %s/%s has unexpected type %T", net.Name, param.Name, gv)
			}
			netGrads[param.Name] = dense.Clone().(*tensor.Dense)
		}
		grads[net.Name] = netGrads
	}
	return grads, nil
}

// strictChecks rejects non-finite encoder outputs and non-finite or negative
// KL and reconstruction losses. Disabled by default.
func strictChecks(encOut *gorgonia.Node, losses LossSet) error {
	for _, v := range valueFloats(encOut.Value()) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &NonFiniteValueError{Quantity: "encoder output", Value: v}
		}
	}
	if math.IsNaN(losses.KLLoss) || math.IsInf(losses.KLLoss, 0) || losses.KLLoss < -1e-9 {
		return &NonFiniteValueError{Quantity: "kl loss", Value: losses.KLLoss}
	}
	if math.IsNaN(losses.ReconLoss) || math.IsInf(losses.ReconLoss, 0) || losses.ReconLoss < 0 {
		return &NonFiniteValueError{Quantity: "reconstruction loss", Value: losses.ReconLoss}
	}
	return nil
}

// recordIntermediates keeps flattened copies of the latest intermediate
// tensors for the debug snapshot written on fatal failure.
func (e *Evaluator) recordIntermediates(encOut, means, logvars, sample *gorgonia.Node) {
	e.lastIntermediates = map[string][]float64{
		"encoder_output": valueFloats(encOut.Value()),
		"means":          valueFloats(means.Value()),
		"logvars":        valueFloats(logvars.Value()),
	}
	if sample != nil {
		e.lastIntermediates["latent_sample"] = valueFloats(sample.Value())
	}
}

// noiseTensor draws a [rows, cols] standard normal tensor from rng.
func noiseTensor(rng *rand.Rand, rows, cols int) *tensor.Dense {
	backing := make([]float64, rows*cols)
	for i := range backing {
		backing[i] = rng.NormFloat64()
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

// scalarValue reads a scalar node value.
func scalarValue(n *gorgonia.Node) (float64, error) {
	v := n.Value()
	if v == nil {
		return 0, fmt.Errorf("node %s has no value", n.Name())
	}
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, fmt.Errorf("node %s does not hold a scalar", n.Name())
}

// valueFloats flattens a value's float64 backing, copying it.
func valueFloats(v gorgonia.Value) []float64 {
	if v == nil {
		return nil
	}
	switch d := v.Data().(type) {
	case float64:
		return []float64{d}
	case []float64:
		return append([]float64(nil), d...)
	}
	return nil
}

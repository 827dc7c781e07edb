package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Activation identifies the nonlinearity applied after a dense layer.
type Activation int

const (
	Linear Activation = iota
	Tanh
	ReLU
)

func (a Activation) String() string {
	switch a {
	case Linear:
		return "Linear"
	case Tanh:
		return "Tanh"
	case ReLU:
		return "ReLU"
	default:
		return "Unknown"
	}
}

// Param is a named trainable tensor belonging to a sub-network.
type Param struct {
	Name  string
	Value *tensor.Dense
}

type denseLayer struct {
	weight *tensor.Dense // [in, out]
	bias   *tensor.Dense // [1, out]
	act    Activation
}

// Network is a stack of dense layers with named float64 parameters.
// Forward passes are built as Gorgonia graph fragments via Bind/Apply so that
// reverse-mode gradients cover every parameter.
type Network struct {
	Name   string
	sizes  []int
	layers []denseLayer
}

// NewNetwork creates a dense network mapping sizes[0] inputs to
// sizes[len(sizes)-1] outputs. Hidden layers use the hidden activation, the
// final layer uses the output activation. Weights are Xavier-initialized from
// rng; biases start at zero.
func NewNetwork(name string, sizes []int, hidden, output Activation, rng *rand.Rand) (*Network, error) {
	if name == "" {
		return nil, fmt.Errorf("network name cannot be empty")
	}
	if len(sizes) < 2 {
		return nil, fmt.Errorf("network %s needs at least input and output sizes, got %v", name, sizes)
	}
	for i, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("network %s has non-positive size %d at position %d", name, s, i)
		}
	}

	n := &Network{
		Name:   name,
		sizes:  append([]int(nil), sizes...),
		layers: make([]denseLayer, 0, len(sizes)-1),
	}

	for i := 0; i < len(sizes)-1; i++ {
		in, out := sizes[i], sizes[i+1]

		scale := math.Sqrt(2.0 / float64(in+out))
		wData := make([]float64, in*out)
		for j := range wData {
			wData[j] = rng.NormFloat64() * scale
		}
		bData := make([]float64, out)

		act := hidden
		if i == len(sizes)-2 {
			act = output
		}

		n.layers = append(n.layers, denseLayer{
			weight: tensor.New(tensor.WithShape(in, out), tensor.WithBacking(wData)),
			bias:   tensor.New(tensor.WithShape(1, out), tensor.WithBacking(bData)),
			act:    act,
		})
	}

	return n, nil
}

// InputDims returns the expected input feature count.
func (n *Network) InputDims() int {
	return n.sizes[0]
}

// OutputDims returns the output feature count.
func (n *Network) OutputDims() int {
	return n.sizes[len(n.sizes)-1]
}

// Params returns the trainable parameters in a stable order: w0, b0, w1, b1, ...
func (n *Network) Params() []Param {
	params := make([]Param, 0, 2*len(n.layers))
	for i, layer := range n.layers {
		params = append(params,
			Param{Name: fmt.Sprintf("w%d", i), Value: layer.weight},
			Param{Name: fmt.Sprintf("b%d", i), Value: layer.bias},
		)
	}
	return params
}

// ParameterCount returns the total number of scalar parameters.
func (n *Network) ParameterCount() int {
	count := 0
	for _, layer := range n.layers {
		count += layer.weight.Shape().TotalSize()
		count += layer.bias.Shape().TotalSize()
	}
	return count
}

// Bound is a Network whose parameters have been materialized as nodes in one
// expression graph. Apply may be called several times on the same Bound (e.g.
// once per Monte Carlo sample); every application shares the same parameter
// nodes so gradients accumulate correctly.
type Bound struct {
	net        *Network
	learnables []*gorgonia.Node
}

// Bind creates parameter nodes for the network in graph g. The nodes share
// backing with the network's parameter tensors, so in-place optimizer updates
// are visible to the next Bind-free evaluation.
func (n *Network) Bind(g *gorgonia.ExprGraph) (*Bound, error) {
	b := &Bound{
		net:        n,
		learnables: make([]*gorgonia.Node, 0, 2*len(n.layers)),
	}
	for i, layer := range n.layers {
		in, out := n.sizes[i], n.sizes[i+1]
		w := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(in, out),
			gorgonia.WithName(fmt.Sprintf("%s.w%d", n.Name, i)),
			gorgonia.WithValue(layer.weight),
		)
		bias := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(1, out),
			gorgonia.WithName(fmt.Sprintf("%s.b%d", n.Name, i)),
			gorgonia.WithValue(layer.bias),
		)
		b.learnables = append(b.learnables, w, bias)
	}
	return b, nil
}

// Learnables returns the parameter nodes in Params() order.
func (b *Bound) Learnables() []*gorgonia.Node {
	return b.learnables
}

// Apply builds the forward pass for input x (shape [rows, InputDims]) and
// returns the output node (shape [rows, OutputDims]).
func (b *Bound) Apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	out := x
	for i := range b.net.layers {
		w := b.learnables[2*i]
		bias := b.learnables[2*i+1]

		xw, err := gorgonia.Mul(out, w)
		if err != nil {
			return nil, fmt.Errorf("network %s layer %d matmul failed: %v", b.net.Name, i, err)
		}
		xwb, err := gorgonia.BroadcastAdd(xw, bias, nil, []byte{0})
		if err != nil {
			return nil, fmt.Errorf("network %s layer %d bias add failed: %v", b.net.Name, i, err)
		}

		switch b.net.layers[i].act {
		case Tanh:
			out, err = gorgonia.Tanh(xwb)
		case ReLU:
			out, err = gorgonia.Rectify(xwb)
		default:
			out = xwb
		}
		if err != nil {
			return nil, fmt.Errorf("network %s layer %d activation failed: %v", b.net.Name, i, err)
		}
	}
	return out, nil
}

package model

import (
	"fmt"
	"math/rand"
)

// Model owns the four sub-networks of the diagnostic sequence autoencoder:
// an encoder producing a latent Gaussian posterior, a parameterless latent
// sampler, a decoder reconstructing error vectors, and a recommender
// predicting remediation actions. Encoder, decoder and recommender are
// trained; the sampler has no parameters.
type Model struct {
	Encoder     *Network
	Decoder     *Network
	Recommender *Network
	Sampler     *Sampler

	LatentDims int
}

// Config describes the model architecture.
type Config struct {
	InputChannels     int // error-vector feature count C
	ActionCount       int // discrete action label count A
	LatentDims        int // latent variable count L
	EncoderHidden     []int
	DecoderHidden     []int
	RecommenderHidden []int
	Seed              int64
}

// DefaultConfig returns a small architecture suitable for the reference
// diagnostic datasets.
func DefaultConfig(channels, actions, latentDims int) Config {
	return Config{
		InputChannels:     channels,
		ActionCount:       actions,
		LatentDims:        latentDims,
		EncoderHidden:     []int{32},
		DecoderHidden:     []int{32},
		RecommenderHidden: []int{16},
	}
}

// New constructs a model from cfg. The encoder output channel count is fixed
// to 2*LatentDims (means followed by log-variances).
func New(cfg Config) (*Model, error) {
	if cfg.InputChannels <= 0 {
		return nil, fmt.Errorf("input channel count must be positive, got %d", cfg.InputChannels)
	}
	if cfg.ActionCount <= 0 {
		return nil, fmt.Errorf("action count must be positive, got %d", cfg.ActionCount)
	}
	if cfg.LatentDims <= 0 {
		return nil, fmt.Errorf("latent dimension count must be positive, got %d", cfg.LatentDims)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	encSizes := append([]int{cfg.InputChannels}, cfg.EncoderHidden...)
	encSizes = append(encSizes, 2*cfg.LatentDims)
	encoder, err := NewNetwork("encoder", encSizes, Tanh, Linear, rng)
	if err != nil {
		return nil, err
	}

	decSizes := append([]int{cfg.LatentDims}, cfg.DecoderHidden...)
	decSizes = append(decSizes, cfg.InputChannels)
	decoder, err := NewNetwork("decoder", decSizes, Tanh, Linear, rng)
	if err != nil {
		return nil, err
	}

	recSizes := append([]int{cfg.LatentDims}, cfg.RecommenderHidden...)
	recSizes = append(recSizes, cfg.ActionCount)
	recommender, err := NewNetwork("recommender", recSizes, Tanh, Linear, rng)
	if err != nil {
		return nil, err
	}

	return &Model{
		Encoder:     encoder,
		Decoder:     decoder,
		Recommender: recommender,
		Sampler:     &Sampler{LatentDims: cfg.LatentDims},
		LatentDims:  cfg.LatentDims,
	}, nil
}

// Networks returns the trained sub-networks in a stable order.
func (m *Model) Networks() []*Network {
	return []*Network{m.Encoder, m.Decoder, m.Recommender}
}

// ParameterCount returns the total trainable parameter count.
func (m *Model) ParameterCount() int {
	count := 0
	for _, n := range m.Networks() {
		count += n.ParameterCount()
	}
	return count
}

// WeightTensor is a flat, serializable view of one parameter tensor.
type WeightTensor struct {
	Network string    `json:"network"`
	Name    string    `json:"name"`
	Shape   []int     `json:"shape"`
	Data    []float64 `json:"data"`
}

// Snapshot copies every trainable parameter into serializable weight tensors.
func (m *Model) Snapshot() []WeightTensor {
	var weights []WeightTensor
	for _, n := range m.Networks() {
		for _, p := range n.Params() {
			data := p.Value.Data().([]float64)
			weights = append(weights, WeightTensor{
				Network: n.Name,
				Name:    p.Name,
				Shape:   append([]int(nil), p.Value.Shape()...),
				Data:    append([]float64(nil), data...),
			})
		}
	}
	return weights
}

// LoadSnapshot restores parameters from a snapshot produced by a model with
// the same architecture.
func (m *Model) LoadSnapshot(weights []WeightTensor) error {
	byKey := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byKey[w.Network+"/"+w.Name] = w
	}

	for _, n := range m.Networks() {
		for _, p := range n.Params() {
			key := n.Name + "/" + p.Name
			w, ok := byKey[key]
			if !ok {
				return fmt.Errorf("snapshot is missing parameter %s", key)
			}
			dst := p.Value.Data().([]float64)
			if len(w.Data) != len(dst) {
				return fmt.Errorf("parameter %s size mismatch: snapshot %d, model %d", key, len(w.Data), len(dst))
			}
			copy(dst, w.Data)
		}
	}
	return nil
}

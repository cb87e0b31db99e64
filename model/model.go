// Package model implements the convolutional trajectory predictor: a small
// conv backbone whose input stem is sized to the rasterizer's channel count
// and whose output head emits 2*future_frames coordinates, together with the
// optimizers and gob checkpointing used by the trainer.
package model

import (
	"errors"
	"fmt"
	"math/rand"
)

// Config holds the architecture hyperparameters. The stem channel count and
// head width are configurable so the same backbone adapts to any rasterizer
// channel layout and prediction horizon.
type Config struct {
	// Architecture names the backbone. Currently only "smallconv".
	Architecture string

	// InChannels is the raster channel count accepted by the stem.
	InChannels int

	// Height, Width are the raster dimensions.
	Height, Width int

	// OutDim is the flattened output size: 2 * future frames.
	OutDim int

	// Seed controls RNG for weight init. If zero a fixed seed is used so
	// replicas built from the same config start identical.
	Seed int64
}

// Model is the conv backbone: stem conv (stride 2), 2x2 max pool, two conv
// blocks, global average pooling and a dense head. Forward and backward
// passes run one example at a time; gradients accumulate across a batch
// until ZeroGrad.
type Model struct {
	Config Config

	conv1 *conv2d
	conv2 *conv2d
	conv3 *conv2d
	fc    *dense
}

const (
	stemChannels  = 16
	backboneWidth = 32
)

// Build constructs the backbone described by cfg.
func Build(cfg Config) (*Model, error) {
	if cfg.Architecture == "" {
		cfg.Architecture = "smallconv"
	}
	if cfg.Architecture != "smallconv" {
		return nil, fmt.Errorf("unknown model architecture %q", cfg.Architecture)
	}
	if cfg.InChannels < 1 {
		return nil, fmt.Errorf("in channels must be >= 1, got %d", cfg.InChannels)
	}
	if cfg.OutDim < 1 {
		return nil, fmt.Errorf("output dim must be >= 1, got %d", cfg.OutDim)
	}
	if cfg.Height < 4 || cfg.Width < 4 {
		return nil, fmt.Errorf("raster %dx%d too small for the backbone", cfg.Width, cfg.Height)
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{
		Config: cfg,
		conv1:  newConv2d(cfg.InChannels, stemChannels, 3, 2, 1, rng),
		conv2:  newConv2d(stemChannels, backboneWidth, 3, 2, 1, rng),
		conv3:  newConv2d(backboneWidth, backboneWidth, 3, 1, 1, rng),
	}
	m.fc = newDense(backboneWidth, cfg.OutDim, rng)
	return m, nil
}

// forwardCache keeps the intermediate buffers one backward pass needs.
type forwardCache struct {
	x0 []float32

	z1     []float32 // conv1 pre-activation (kept for ReLU backward)
	a1     []float32
	h1, w1 int

	p1     []float32
	idx1   []int32
	hp, wp int

	z2     []float32
	a2     []float32
	h2, w2 int

	z3     []float32
	a3     []float32
	h3, w3 int

	g []float32 // global average pool output
}

func (m *Model) forwardSingle(input []float32) ([]float32, *forwardCache, error) {
	imageDim := m.Config.InChannels * m.Config.Height * m.Config.Width
	if len(input) != imageDim {
		return nil, nil, fmt.Errorf("input has %d values, expected %d", len(input), imageDim)
	}

	c := &forwardCache{x0: input}

	c.z1 = m.conv1.forward(input, m.Config.Height, m.Config.Width)
	c.h1, c.w1 = m.conv1.outSize(m.Config.Height, m.Config.Width)
	c.a1 = reluForward(append([]float32(nil), c.z1...))

	c.p1, c.idx1, c.hp, c.wp = maxPool2(c.a1, stemChannels, c.h1, c.w1)

	c.z2 = m.conv2.forward(c.p1, c.hp, c.wp)
	c.h2, c.w2 = m.conv2.outSize(c.hp, c.wp)
	c.a2 = reluForward(append([]float32(nil), c.z2...))

	c.z3 = m.conv3.forward(c.a2, c.h2, c.w2)
	c.h3, c.w3 = m.conv3.outSize(c.h2, c.w2)
	c.a3 = reluForward(append([]float32(nil), c.z3...))

	c.g = globalAvgPool(c.a3, backboneWidth, c.h3, c.w3)
	out := m.fc.forward(c.g)
	return out, c, nil
}

func (m *Model) backwardSingle(c *forwardCache, gradOut []float32) {
	gradG := m.fc.backward(c.g, gradOut)

	gradA3 := globalAvgPoolBackward(gradG, backboneWidth, c.h3, c.w3)
	reluBackward(gradA3, c.z3)
	gradA2 := m.conv3.backward(c.a2, c.h2, c.w2, gradA3)

	reluBackward(gradA2, c.z2)
	gradP1 := m.conv2.backward(c.p1, c.hp, c.wp, gradA2)

	gradA1 := maxPool2Backward(gradP1, c.idx1, stemChannels, c.h1, c.w1)
	reluBackward(gradA1, c.z1)
	m.conv1.backward(c.x0, m.Config.Height, m.Config.Width, gradA1)
}

// PredictBatch runs forward passes only. The returned [][]float32 has shape
// [batch][OutDim].
func (m *Model) PredictBatch(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		pred, _, err := m.forwardSingle(in)
		if err != nil {
			return nil, err
		}
		out[i] = pred
	}
	return out, nil
}

// BatchGradients accumulates gradients of the availability-masked MSE loss
// over the batch into the model's gradient buffers and returns the loss.
// The loss is the mean over every output element of
// (pred-target)^2 * availability, with the availability of a future step
// masking both of its coordinates.
func (m *Model) BatchGradients(inputs, targets, avails [][]float32) (float64, error) {
	if len(inputs) == 0 {
		return 0, errors.New("empty batch")
	}
	if len(inputs) != len(targets) || len(inputs) != len(avails) {
		return 0, fmt.Errorf("batch sizes don't match: inputs=%d targets=%d avails=%d",
			len(inputs), len(targets), len(avails))
	}

	total := float64(len(inputs) * m.Config.OutDim)
	loss := 0.0
	gradOut := make([]float32, m.Config.OutDim)

	for ex := range inputs {
		if len(targets[ex]) != m.Config.OutDim {
			return 0, fmt.Errorf("example %d: target has %d values, expected %d",
				ex, len(targets[ex]), m.Config.OutDim)
		}
		if len(avails[ex])*2 != m.Config.OutDim {
			return 0, fmt.Errorf("example %d: %d availabilities for %d outputs",
				ex, len(avails[ex]), m.Config.OutDim)
		}

		pred, cache, err := m.forwardSingle(inputs[ex])
		if err != nil {
			return 0, err
		}

		for j := 0; j < m.Config.OutDim; j++ {
			avail := float64(avails[ex][j/2])
			diff := float64(pred[j] - targets[ex][j])
			loss += diff * diff * avail
			gradOut[j] = float32(2 * diff * avail / total)
		}
		m.backwardSingle(cache, gradOut)
	}

	return loss / total, nil
}

// ZeroGrad clears the gradient buffers.
func (m *Model) ZeroGrad() {
	for _, g := range m.GradSlices() {
		for i := range g {
			g[i] = 0
		}
	}
}

// ParamSlices exposes the parameter buffers in a fixed order, for the
// optimizer, the all-reduce step and checkpointing.
func (m *Model) ParamSlices() [][]float32 {
	return [][]float32{
		m.conv1.W, m.conv1.B,
		m.conv2.W, m.conv2.B,
		m.conv3.W, m.conv3.B,
		m.fc.W, m.fc.B,
	}
}

// GradSlices exposes the gradient buffers in the same order as ParamSlices.
func (m *Model) GradSlices() [][]float32 {
	return [][]float32{
		m.conv1.gradW, m.conv1.gradB,
		m.conv2.gradW, m.conv2.gradB,
		m.conv3.gradW, m.conv3.gradB,
		m.fc.gradW, m.fc.gradB,
	}
}

// Clone returns a deep copy with the same weights and zeroed gradients.
// Replicas in the data-parallel trainer start as clones of rank 0.
func (m *Model) Clone() (*Model, error) {
	cp, err := Build(m.Config)
	if err != nil {
		return nil, err
	}
	if err := cp.CopyWeightsFrom(m); err != nil {
		return nil, err
	}
	return cp, nil
}

// CopyWeightsFrom overwrites this model's parameters with src's.
func (m *Model) CopyWeightsFrom(src *Model) error {
	dst := m.ParamSlices()
	from := src.ParamSlices()
	if len(dst) != len(from) {
		return fmt.Errorf("parameter group count mismatch: %d vs %d", len(dst), len(from))
	}
	for i := range dst {
		if len(dst[i]) != len(from[i]) {
			return fmt.Errorf("parameter group %d size mismatch: %d vs %d", i, len(dst[i]), len(from[i]))
		}
		copy(dst[i], from[i])
	}
	return nil
}

package model

import "math"

// Optimizer applies one update step to a parameter set given gradients in
// the matching slice order.
type Optimizer interface {
	Step(params, grads [][]float32)
}

// SGD applies plain gradient descent with optional global-norm clipping.
type SGD struct {
	LR       float64
	ClipNorm float64
}

// NewSGD creates an SGD optimizer. clipNorm <= 0 disables clipping.
func NewSGD(lr, clipNorm float64) *SGD {
	return &SGD{LR: lr, ClipNorm: clipNorm}
}

func (o *SGD) Step(params, grads [][]float32) {
	clipGradients(grads, o.ClipNorm)
	lr := float32(o.LR)
	for g := range params {
		p := params[g]
		gr := grads[g]
		for i := range p {
			p[i] -= lr * gr[i]
		}
	}
}

// Adam implements the Adam optimizer with bias correction and optional
// global-norm clipping. Moment buffers are allocated lazily on the first
// Step so a fresh Adam can also be populated from a checkpoint.
type Adam struct {
	LR       float64
	Beta1    float64
	Beta2    float64
	Epsilon  float64
	ClipNorm float64

	step int
	m    [][]float32
	v    [][]float32
}

// NewAdam creates an Adam optimizer with the given hyperparameters.
func NewAdam(lr, beta1, beta2, epsilon, clipNorm float64) *Adam {
	return &Adam{LR: lr, Beta1: beta1, Beta2: beta2, Epsilon: epsilon, ClipNorm: clipNorm}
}

func (o *Adam) ensureState(params [][]float32) {
	if o.m != nil {
		return
	}
	o.m = make([][]float32, len(params))
	o.v = make([][]float32, len(params))
	for i := range params {
		o.m[i] = make([]float32, len(params[i]))
		o.v[i] = make([]float32, len(params[i]))
	}
}

func (o *Adam) Step(params, grads [][]float32) {
	o.ensureState(params)
	clipGradients(grads, o.ClipNorm)

	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))
	b1 := float32(o.Beta1)
	b2 := float32(o.Beta2)

	for g := range params {
		p := params[g]
		gr := grads[g]
		mo := o.m[g]
		vo := o.v[g]
		for i := range p {
			mo[i] = b1*mo[i] + (1-b1)*gr[i]
			vo[i] = b2*vo[i] + (1-b2)*gr[i]*gr[i]
			mHat := float64(mo[i]) / bc1
			vHat := float64(vo[i]) / bc2
			p[i] -= float32(o.LR * mHat / (math.Sqrt(vHat) + o.Epsilon))
		}
	}
}

// clipGradients rescales the gradients in place when their global L2 norm
// exceeds maxNorm. maxNorm <= 0 disables clipping.
func clipGradients(grads [][]float32, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	sumSq := 0.0
	for _, g := range grads {
		for _, v := range g {
			sumSq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sumSq)
	if norm <= maxNorm {
		return
	}
	scale := float32(maxNorm / norm)
	for _, g := range grads {
		for i := range g {
			g[i] *= scale
		}
	}
}

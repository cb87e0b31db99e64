package model

import (
	"math"
	"math/rand"
)

// conv2d is a single convolution layer over [channels][height][width]
// float32 buffers. Weights are laid out [OutC][InC][K][K].
type conv2d struct {
	InC, OutC int
	K         int
	Stride    int
	Pad       int

	W []float32
	B []float32

	gradW []float32
	gradB []float32
}

// newConv2d initializes weights with the Xavier/Glorot uniform heuristic.
func newConv2d(inC, outC, k, stride, pad int, rng *rand.Rand) *conv2d {
	l := &conv2d{
		InC: inC, OutC: outC, K: k, Stride: stride, Pad: pad,
		W:     make([]float32, outC*inC*k*k),
		B:     make([]float32, outC),
		gradW: make([]float32, outC*inC*k*k),
		gradB: make([]float32, outC),
	}
	fanIn := inC * k * k
	fanOut := outC * k * k
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range l.W {
		l.W[i] = (rng.Float32()*2.0 - 1.0) * limit
	}
	return l
}

func (l *conv2d) outSize(h, w int) (oh, ow int) {
	oh = (h+2*l.Pad-l.K)/l.Stride + 1
	ow = (w+2*l.Pad-l.K)/l.Stride + 1
	return oh, ow
}

func (l *conv2d) widx(oc, ic, kh, kw int) int {
	return ((oc*l.InC+ic)*l.K+kh)*l.K + kw
}

// forward computes the convolution of in ([InC][h][w]) producing
// [OutC][oh][ow].
func (l *conv2d) forward(in []float32, h, w int) []float32 {
	oh, ow := l.outSize(h, w)
	out := make([]float32, l.OutC*oh*ow)
	for oc := 0; oc < l.OutC; oc++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				sum := l.B[oc]
				for ic := 0; ic < l.InC; ic++ {
					for kh := 0; kh < l.K; kh++ {
						iy := oy*l.Stride + kh - l.Pad
						if iy < 0 || iy >= h {
							continue
						}
						for kw := 0; kw < l.K; kw++ {
							ix := ox*l.Stride + kw - l.Pad
							if ix < 0 || ix >= w {
								continue
							}
							sum += l.W[l.widx(oc, ic, kh, kw)] * in[(ic*h+iy)*w+ix]
						}
					}
				}
				out[(oc*oh+oy)*ow+ox] = sum
			}
		}
	}
	return out
}

// backward accumulates weight/bias gradients from gradOut ([OutC][oh][ow])
// given the forward input, and returns the gradient with respect to the
// input.
func (l *conv2d) backward(in []float32, h, w int, gradOut []float32) []float32 {
	oh, ow := l.outSize(h, w)
	gradIn := make([]float32, l.InC*h*w)
	for oc := 0; oc < l.OutC; oc++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				g := gradOut[(oc*oh+oy)*ow+ox]
				if g == 0 {
					continue
				}
				l.gradB[oc] += g
				for ic := 0; ic < l.InC; ic++ {
					for kh := 0; kh < l.K; kh++ {
						iy := oy*l.Stride + kh - l.Pad
						if iy < 0 || iy >= h {
							continue
						}
						for kw := 0; kw < l.K; kw++ {
							ix := ox*l.Stride + kw - l.Pad
							if ix < 0 || ix >= w {
								continue
							}
							inIdx := (ic*h+iy)*w + ix
							wIdx := l.widx(oc, ic, kh, kw)
							l.gradW[wIdx] += g * in[inIdx]
							gradIn[inIdx] += g * l.W[wIdx]
						}
					}
				}
			}
		}
	}
	return gradIn
}

// dense is a fully connected layer; weights laid out [Out][In].
type dense struct {
	In, Out int

	W []float32
	B []float32

	gradW []float32
	gradB []float32
}

func newDense(in, out int, rng *rand.Rand) *dense {
	l := &dense{
		In: in, Out: out,
		W:     make([]float32, out*in),
		B:     make([]float32, out),
		gradW: make([]float32, out*in),
		gradB: make([]float32, out),
	}
	limit := float32(math.Sqrt(6.0 / float64(in+out)))
	for i := range l.W {
		l.W[i] = (rng.Float32()*2.0 - 1.0) * limit
	}
	return l
}

func (l *dense) forward(in []float32) []float32 {
	out := make([]float32, l.Out)
	for j := 0; j < l.Out; j++ {
		sum := l.B[j]
		row := l.W[j*l.In : (j+1)*l.In]
		for i := 0; i < l.In; i++ {
			sum += row[i] * in[i]
		}
		out[j] = sum
	}
	return out
}

func (l *dense) backward(in []float32, gradOut []float32) []float32 {
	gradIn := make([]float32, l.In)
	for j := 0; j < l.Out; j++ {
		g := gradOut[j]
		l.gradB[j] += g
		row := l.W[j*l.In : (j+1)*l.In]
		gRow := l.gradW[j*l.In : (j+1)*l.In]
		for i := 0; i < l.In; i++ {
			gRow[i] += g * in[i]
			gradIn[i] += g * row[i]
		}
	}
	return gradIn
}

// reluForward applies ReLU in place and returns the buffer for chaining.
func reluForward(x []float32) []float32 {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
	return x
}

// reluBackward zeroes the gradient wherever the pre-activation was not
// positive. pre is the pre-activation buffer.
func reluBackward(grad, pre []float32) {
	for i := range grad {
		if pre[i] <= 0 {
			grad[i] = 0
		}
	}
}

// maxPool2 performs 2x2 max pooling with stride 2 over [c][h][w], recording
// the argmax index of each output element for the backward pass. Odd
// trailing rows/columns are dropped.
func maxPool2(in []float32, c, h, w int) (out []float32, argmax []int32, oh, ow int) {
	oh = h / 2
	ow = w / 2
	out = make([]float32, c*oh*ow)
	argmax = make([]int32, c*oh*ow)
	for ch := 0; ch < c; ch++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := int32(-1)
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						idx := (ch*h+oy*2+dy)*w + ox*2 + dx
						if in[idx] > best {
							best = in[idx]
							bestIdx = int32(idx)
						}
					}
				}
				o := (ch*oh+oy)*ow + ox
				out[o] = best
				argmax[o] = bestIdx
			}
		}
	}
	return out, argmax, oh, ow
}

// maxPool2Backward routes each output gradient back to its argmax input.
func maxPool2Backward(gradOut []float32, argmax []int32, c, h, w int) []float32 {
	gradIn := make([]float32, c*h*w)
	for i, idx := range argmax {
		gradIn[idx] += gradOut[i]
	}
	return gradIn
}

// globalAvgPool reduces [c][h][w] to one mean per channel.
func globalAvgPool(in []float32, c, h, w int) []float32 {
	out := make([]float32, c)
	n := float32(h * w)
	for ch := 0; ch < c; ch++ {
		sum := float32(0)
		for i := ch * h * w; i < (ch+1)*h*w; i++ {
			sum += in[i]
		}
		out[ch] = sum / n
	}
	return out
}

// globalAvgPoolBackward spreads each channel gradient evenly over the
// spatial positions.
func globalAvgPoolBackward(gradOut []float32, c, h, w int) []float32 {
	gradIn := make([]float32, c*h*w)
	n := float32(h * w)
	for ch := 0; ch < c; ch++ {
		g := gradOut[ch] / n
		for i := ch * h * w; i < (ch+1)*h*w; i++ {
			gradIn[i] = g
		}
	}
	return gradIn
}

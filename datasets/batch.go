package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ImageBatchFlat stores a rasterized batch in flat contiguous buffers.
type ImageBatchFlat struct {
	Inputs  []float32 // [BatchSize * Channels * Height * Width]
	Targets []float32 // [BatchSize * Steps * 2]
	Avails  []float32 // [BatchSize * Steps]

	BatchSize int
	Channels  int
	Height    int
	Width     int
	Steps     int
}

// MakeImageBatchFlat flattens a batch into contiguous buffers. The image
// dimensions are passed in because an image example arrives as a single
// flattened slice.
func MakeImageBatchFlat(inputs, targets, avails [][]float32, channels, height, width int) (*ImageBatchFlat, error) {
	if len(inputs) != len(targets) || len(inputs) != len(avails) {
		return nil, fmt.Errorf("batch sizes don't match: inputs=%d targets=%d avails=%d",
			len(inputs), len(targets), len(avails))
	}
	if len(inputs) == 0 {
		return &ImageBatchFlat{}, nil
	}

	batchSize := len(inputs)
	imageDim := channels * height * width
	steps := len(avails[0])

	flatInputs := make([]float32, batchSize*imageDim)
	flatTargets := make([]float32, batchSize*steps*2)
	flatAvails := make([]float32, batchSize*steps)

	for i := range batchSize {
		if len(inputs[i]) != imageDim {
			return nil, fmt.Errorf("inconsistent image size at example %d: expected %d, got %d",
				i, imageDim, len(inputs[i]))
		}
		if len(targets[i]) != steps*2 {
			return nil, fmt.Errorf("inconsistent target size at example %d: expected %d, got %d",
				i, steps*2, len(targets[i]))
		}
		if len(avails[i]) != steps {
			return nil, fmt.Errorf("inconsistent availability size at example %d: expected %d, got %d",
				i, steps, len(avails[i]))
		}
		copy(flatInputs[i*imageDim:], inputs[i])
		copy(flatTargets[i*steps*2:], targets[i])
		copy(flatAvails[i*steps:], avails[i])
	}

	return &ImageBatchFlat{
		Inputs:    flatInputs,
		Targets:   flatTargets,
		Avails:    flatAvails,
		BatchSize: batchSize,
		Channels:  channels,
		Height:    height,
		Width:     width,
		Steps:     steps,
	}, nil
}

// ToGomlxTensors converts ImageBatchFlat to gomlx tensors: inputs shaped
// [batch, channels, height, width], targets [batch, steps, 2] and
// availabilities [batch, steps].
func (b *ImageBatchFlat) ToGomlxTensors() (inputs, targets, avails *tensors.Tensor, err error) {
	// handle empty batch gracefully
	if b.BatchSize == 0 {
		inT := tensors.FromAnyValue(make([][][][]float32, 0))
		tgT := tensors.FromAnyValue(make([][][]float32, 0))
		avT := tensors.FromAnyValue(make([][]float32, 0))
		return inT, tgT, avT, nil
	}

	images := make([][][][]float32, b.BatchSize)
	imageDim := b.Channels * b.Height * b.Width
	for i := range b.BatchSize {
		img := make([][][]float32, b.Channels)
		base := i * imageDim
		for c := range b.Channels {
			rows := make([][]float32, b.Height)
			for r := range b.Height {
				start := base + (c*b.Height+r)*b.Width
				rows[r] = b.Inputs[start : start+b.Width]
			}
			img[c] = rows
		}
		images[i] = img
	}

	tgs := make([][][]float32, b.BatchSize)
	avs := make([][]float32, b.BatchSize)
	for i := range b.BatchSize {
		steps := make([][]float32, b.Steps)
		for t := range b.Steps {
			start := (i*b.Steps + t) * 2
			steps[t] = b.Targets[start : start+2]
		}
		tgs[i] = steps
		avs[i] = b.Avails[i*b.Steps : (i+1)*b.Steps]
	}

	return tensors.FromAnyValue(images), tensors.FromAnyValue(tgs), tensors.FromAnyValue(avs), nil
}

package datasets

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/ShanglinLi/Motion-Prediction/configs"
	"github.com/ShanglinLi/Motion-Prediction/raster"
)

// AgentDataset presents a chunked scene store as per-agent prediction
// examples: one example per stored agent state row, rasterized around that
// agent at that frame. A scoring mask restricts the example set to the
// agents the competition scores.
type AgentDataset struct {
	// History and Future are the window sizes in frames.
	History int
	Future  int

	// BatchSize used by Yield.
	BatchSize int

	chunked *ChunkedDataset
	rast    *raster.Rasterizer

	// examples holds the selected global row indices, in store order until
	// Shuffle is called.
	examples []int

	cursor int
	rng    *rand.Rand
}

// NewAgentDataset builds the example index over an opened (or openable)
// chunked store. mask may be nil to use every row; otherwise its length must
// match the store's row count.
func NewAgentDataset(cfg *configs.Config, ch *ChunkedDataset, r *raster.Rasterizer, mask *AgentMask) (*AgentDataset, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if ch == nil {
		return nil, fmt.Errorf("chunked dataset is nil")
	}
	if r == nil {
		return nil, fmt.Errorf("rasterizer is nil")
	}
	if _, err := ch.Open(); err != nil {
		return nil, fmt.Errorf("open chunked dataset: %w", err)
	}

	ad := &AgentDataset{
		History:   cfg.ModelParams.HistoryNumFrames,
		Future:    cfg.ModelParams.FutureNumFrames,
		BatchSize: 32,
		chunked:   ch,
		rast:      r,
		rng:       rand.New(rand.NewSource(1)),
	}

	n := ch.NumRows()
	if mask == nil {
		ad.examples = make([]int, n)
		for i := range ad.examples {
			ad.examples[i] = i
		}
	} else {
		if mask.Len() != n {
			return nil, fmt.Errorf("mask length %d does not match store rows %d", mask.Len(), n)
		}
		ad.examples = make([]int, 0, mask.Count())
		for i := 0; i < n; i++ {
			if mask.Selected(i) {
				ad.examples = append(ad.examples, i)
			}
		}
	}
	return ad, nil
}

// SetStoreCacheEnabled toggles the underlying store's in-memory chunk
// cache. Training enables it so every epoch after the first reads frames
// from memory.
func (ad *AgentDataset) SetStoreCacheEnabled(enabled bool) {
	ad.chunked.SetCacheEnabled(enabled)
}

// Name returns the name of the dataset
func (ad *AgentDataset) Name() string {
	return "AgentDataset"
}

// Len returns the number of examples after mask filtering.
func (ad *AgentDataset) Len() int {
	return len(ad.examples)
}

// worldToAgent rotates a world point into the anchor agent's frame.
func worldToAgent(anchor AgentState, x, y float32) (float32, float32) {
	dx := float64(x - anchor.X)
	dy := float64(y - anchor.Y)
	c := math.Cos(float64(anchor.Yaw))
	s := math.Sin(float64(anchor.Yaw))
	return float32(dx*c + dy*s), float32(-dx*s + dy*c)
}

func toRasterAgent(s AgentState) raster.Agent {
	return raster.Agent{X: s.X, Y: s.Y, Yaw: s.Yaw, ExtentX: s.ExtentX, ExtentY: s.ExtentY}
}

// Example builds one example: the rasterized history window as input, the
// future (x, y) offsets in the agent frame as targets, and one availability
// flag per future step. Steps where the track drops out of the data keep
// zero targets and availability 0.
func (ad *AgentDataset) Example(i int) (input, targets, avails []float32, meta ExampleMeta, err error) {
	if i < 0 || i >= len(ad.examples) {
		return nil, nil, nil, ExampleMeta{}, fmt.Errorf("index %d out of range [0, %d)", i, len(ad.examples))
	}
	anchor, err := ad.chunked.State(ad.examples[i])
	if err != nil {
		return nil, nil, nil, ExampleMeta{}, fmt.Errorf("read anchor state: %w", err)
	}

	frames := make([]raster.Frame, ad.History+1)
	for h := 0; h <= ad.History; h++ {
		states, err := ad.chunked.FrameStates(anchor.SceneID, anchor.FrameID-h)
		if err != nil {
			return nil, nil, nil, ExampleMeta{}, fmt.Errorf("read frame %d: %w", anchor.FrameID-h, err)
		}
		var fr raster.Frame
		for _, s := range states {
			ag := toRasterAgent(s)
			if s.TrackID == anchor.TrackID {
				ego := ag
				fr.Ego = &ego
			} else {
				fr.Others = append(fr.Others, ag)
			}
		}
		frames[h] = fr
	}

	input, err = ad.rast.Rasterize(toRasterAgent(anchor), frames)
	if err != nil {
		return nil, nil, nil, ExampleMeta{}, fmt.Errorf("rasterize: %w", err)
	}

	targets = make([]float32, 2*ad.Future)
	avails = make([]float32, ad.Future)
	for t := 1; t <= ad.Future; t++ {
		s, ok, err := ad.chunked.TrackStateAt(anchor.SceneID, anchor.TrackID, anchor.FrameID+t)
		if err != nil {
			return nil, nil, nil, ExampleMeta{}, fmt.Errorf("read future frame %d: %w", anchor.FrameID+t, err)
		}
		if !ok {
			continue
		}
		rx, ry := worldToAgent(anchor, s.X, s.Y)
		targets[2*(t-1)] = rx
		targets[2*(t-1)+1] = ry
		avails[t-1] = 1
	}

	meta = ExampleMeta{Timestamp: anchor.Timestamp, TrackID: anchor.TrackID}
	return input, targets, avails, meta, nil
}

// Batch builds the examples at the given dataset indices.
func (ad *AgentDataset) Batch(indices []int) (inputs, targets, avails [][]float32, meta []ExampleMeta, err error) {
	inputs = make([][]float32, len(indices))
	targets = make([][]float32, len(indices))
	avails = make([][]float32, len(indices))
	meta = make([]ExampleMeta, len(indices))
	for pos, idx := range indices {
		in, tg, av, m, err := ad.Example(idx)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		inputs[pos] = in
		targets[pos] = tg
		avails[pos] = av
		meta[pos] = m
	}
	return inputs, targets, avails, meta, nil
}

// Shuffle shuffles the order of examples.
func (ad *AgentDataset) Shuffle(seed int64) {
	ad.rng = rand.New(rand.NewSource(seed))
	ad.rng.Shuffle(len(ad.examples), func(i, j int) {
		ad.examples[i], ad.examples[j] = ad.examples[j], ad.examples[i]
	})
}

// Tensors reads a batch of examples and returns them as gomlx tensors.
func (ad *AgentDataset) Tensors(indices []int) (inputs, targets, avails *tensors.Tensor, err error) {
	in, tg, av, _, err := ad.Batch(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	flat, err := MakeImageBatchFlat(in, tg, av, ad.rast.NumChannels(), ad.rast.Height, ad.rast.Width)
	if err != nil {
		return nil, nil, nil, err
	}
	return flat.ToGomlxTensors()
}

// Yield returns the next batch of data for the gomlx Dataset interface.
// Batch is determined by the BatchSize field; the cursor wraps around at the
// end of the dataset, and Restart rewinds it for a new epoch.
func (ad *AgentDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if len(ad.examples) == 0 {
		return nil, nil, nil, fmt.Errorf("dataset is empty")
	}
	indices := make([]int, ad.BatchSize)
	for i := range indices {
		indices[i] = (ad.cursor + i) % len(ad.examples)
	}
	ad.cursor = (ad.cursor + ad.BatchSize) % len(ad.examples)

	in, tg, av, err := ad.Tensors(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{tg, av}, nil
}

// Restart resets the dataset cursor for a new epoch.
func (ad *AgentDataset) Restart() error {
	ad.cursor = 0
	return nil
}

// TrajectorySample returns the world-frame positions of an example's track:
// history (oldest to anchor, inclusive) and the observed future steps. Steps
// where the track is unobserved are omitted.
func (ad *AgentDataset) TrajectorySample(i int) (history, future [][2]float32, err error) {
	if i < 0 || i >= len(ad.examples) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", i, len(ad.examples))
	}
	anchor, err := ad.chunked.State(ad.examples[i])
	if err != nil {
		return nil, nil, fmt.Errorf("read anchor state: %w", err)
	}
	for h := ad.History; h >= 0; h-- {
		s, ok, err := ad.chunked.TrackStateAt(anchor.SceneID, anchor.TrackID, anchor.FrameID-h)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			history = append(history, [2]float32{s.X, s.Y})
		}
	}
	for t := 1; t <= ad.Future; t++ {
		s, ok, err := ad.chunked.TrackStateAt(anchor.SceneID, anchor.TrackID, anchor.FrameID+t)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			future = append(future, [2]float32{s.X, s.Y})
		}
	}
	return history, future, nil
}

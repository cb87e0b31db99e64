package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package loads the chunked scene store used by the motion prediction
// competition and presents it as per-agent training examples.
//
// The store is a directory of numbered CSV chunk files (agents_*.csv), each
// holding observed agent states ordered by scene, frame and track. The
// datasets use lazy loading - they index the chunk files up front and only
// read the actual rows when a batch asks for them, so the full store never
// has to fit in memory. An optional in-memory chunk cache can be enabled for
// training, where the same frames are revisited every epoch.
//
// Layout and intended usage:
//
// ChunkedDataset
//   - Globs chunk files and builds a cumulative row index
//   - Open() additionally indexes rows by (scene, frame) and by track so
//     history and future windows can be assembled per agent
//
// AgentDataset
//   - One example per agent state row (optionally filtered by a scoring mask)
//   - Inputs per example: a rasterized bird's-eye-view image centered on the
//     agent, flattened [channels*height*width]float32
//   - Targets per example: future (x, y) offsets in the agent frame,
//     flattened [future_frames*2]float32
//   - Availabilities per example: 1 per future step observed in the data
//
// Batches convert to gomlx tensors through ImageBatchFlat, and AgentDataset
// exposes the Yield contract of gomlx training loops.
type Dataset interface {
	Len() int
	Example(i int) (input, targets, avails []float32, meta ExampleMeta, err error)
	Batch(indices []int) (inputs, targets, avails [][]float32, meta []ExampleMeta, err error)

	// SetStoreCacheEnabled toggles the in-memory chunk cache, worth enabling
	// when the same rows are read repeatedly.
	SetStoreCacheEnabled(enabled bool)

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
}

// AgentState is one observed agent at one frame, as stored in the chunk
// files.
type AgentState struct {
	SceneID   int
	FrameID   int
	Timestamp int64
	TrackID   int64
	X, Y      float32
	Yaw       float32
	ExtentX   float32
	ExtentY   float32
}

// ExampleMeta carries the identifiers the scoring CSV needs for each
// example.
type ExampleMeta struct {
	Timestamp int64
	TrackID   int64
}

package train

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/ShanglinLi/Motion-Prediction/configs"
	"github.com/ShanglinLi/Motion-Prediction/datasets"
	"github.com/ShanglinLi/Motion-Prediction/model"
)

// Evaluator runs the masked test set through a trained model and writes the
// competition prediction CSV. Examples are split across workers but the
// output rows keep dataset order, so the CSV lines up with the scoring mask.
type Evaluator struct {
	Cfg  *configs.Config
	Data datasets.Dataset

	WorldSize int

	// CheckpointDir holds the checkpoint named by test_params.model_num.
	CheckpointDir string

	ProgressInterval time.Duration
}

// NewEvaluator validates the pieces and builds an Evaluator.
func NewEvaluator(cfg *configs.Config, data datasets.Dataset, worldSize int, checkpointDir string) (*Evaluator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if data == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if data.Len() == 0 {
		return nil, fmt.Errorf("dataset has no examples")
	}
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", worldSize)
	}
	if worldSize > data.Len() {
		worldSize = data.Len()
	}
	return &Evaluator{
		Cfg:              cfg,
		Data:             data,
		WorldSize:        worldSize,
		CheckpointDir:    checkpointDir,
		ProgressInterval: 3 * time.Second,
	}, nil
}

// Run loads the checkpoint, predicts every example and writes csvPath.
// It returns the number of prediction rows written.
func (e *Evaluator) Run(csvPath string) (int, error) {
	base, err := model.Build(ModelConfig(e.Cfg))
	if err != nil {
		return 0, fmt.Errorf("build model: %w", err)
	}
	ckpt := CheckpointPath(e.CheckpointDir, e.Cfg.TestParams.ModelNum)
	epoch, step, err := model.LoadCheckpoint(ckpt, base, nil)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	klog.Infof("loaded checkpoint %s (epoch %d, step %d)", ckpt, epoch, step)

	e.Data.SetStoreCacheEnabled(true)

	n := e.Data.Len()
	batchSize := e.Cfg.TestDataLoader.BatchSize
	timestamps := make([]int64, n)
	trackIDs := make([]int64, n)
	coords := make([][]float32, n)

	var done int64
	interval := e.ProgressInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	stopProgress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d := atomic.LoadInt64(&done)
				klog.Infof("prediction progress: %d/%d examples (%.1f%%)", d, n, 100*float64(d)/float64(n))
			case <-stopProgress:
				return
			}
		}
	}()
	defer close(stopProgress)

	errCh := make(chan error, e.WorldSize)
	var wg sync.WaitGroup
	wg.Add(e.WorldSize)
	for rank := 0; rank < e.WorldSize; rank++ {
		go func(rank int) {
			defer wg.Done()

			m := base
			if rank != 0 {
				var err error
				m, err = base.Clone()
				if err != nil {
					errCh <- fmt.Errorf("rank %d: clone model: %w", rank, err)
					return
				}
			}

			// No-shuffle strided shard keeps each worker's indices sorted, so
			// writes into the preallocated result slices never collide.
			sampler, err := NewShardSampler(n, rank, e.WorldSize, false, 0)
			if err != nil {
				errCh <- fmt.Errorf("rank %d: %w", rank, err)
				return
			}
			shard := sampler.Indices()

			var batches [][]int
			for start := 0; start < len(shard); start += batchSize {
				end := start + batchSize
				if end > len(shard) {
					end = len(shard)
				}
				batches = append(batches, shard[start:end])
			}

			// Batches are prefetched by a worker pool sized by
			// test_data_loader.num_workers.
			loader := newBatchLoader(e.Data, batches, e.Cfg.TestDataLoader.NumWorkers)
			defer loader.drain()

			for _, batchIdx := range batches {
				b, ok := loader.Next()
				if !ok {
					errCh <- fmt.Errorf("rank %d: batch loader exhausted", rank)
					return
				}
				if b.err != nil {
					errCh <- fmt.Errorf("rank %d: fetch batch: %w", rank, b.err)
					return
				}
				preds, err := m.PredictBatch(b.inputs)
				if err != nil {
					errCh <- fmt.Errorf("rank %d: predict: %w", rank, err)
					return
				}
				for pos, idx := range batchIdx {
					timestamps[idx] = b.meta[pos].Timestamp
					trackIDs[idx] = b.meta[pos].TrackID
					coords[idx] = preds[pos]
				}
				atomic.AddInt64(&done, int64(len(batchIdx)))
			}
		}(rank)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return 0, err
	}

	if err := datasets.WritePredCSV(csvPath, timestamps, trackIDs, coords); err != nil {
		return 0, fmt.Errorf("write predictions: %w", err)
	}
	klog.Infof("wrote %d prediction rows to %s", n, csvPath)
	return n, nil
}

package train

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/ShanglinLi/Motion-Prediction/configs"
	"github.com/ShanglinLi/Motion-Prediction/datasets"
	"github.com/ShanglinLi/Motion-Prediction/model"
)

// Trainer runs the distributed-data-parallel training loop: one model
// replica per rank, all started from identical weights, stepping in
// lockstep through gradient all-reduce. Rank 0 records the loss history and
// writes periodic checkpoints.
type Trainer struct {
	Cfg  *configs.Config
	Data datasets.Dataset

	// WorldSize is nodes * replicas-per-node.
	WorldSize int

	// OutDir receives checkpoints.
	OutDir string

	// ProgressInterval controls how often progress is logged. Default 3s.
	ProgressInterval time.Duration
}

// Report summarizes a training run.
type Report struct {
	Epochs int
	Steps  int

	// LossHistory holds rank 0's per-step training loss.
	LossHistory []float64

	FinalLoss float64
}

// NewTrainer validates the pieces and builds a Trainer.
func NewTrainer(cfg *configs.Config, data datasets.Dataset, worldSize int, outDir string) (*Trainer, error) {
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
		return nil, fmt.Errorf("world size %d exceeds dataset size %d", worldSize, data.Len())
	}
	return &Trainer{
		Cfg:              cfg,
		Data:             data,
		WorldSize:        worldSize,
		OutDir:           outDir,
		ProgressInterval: 3 * time.Second,
	}, nil
}

// ModelConfig derives the backbone configuration from the run config.
func ModelConfig(cfg *configs.Config) model.Config {
	return model.Config{
		Architecture: cfg.ModelParams.ModelArchitecture,
		InChannels:   cfg.NumInChannels(),
		Height:       cfg.RasterParams.RasterSize[1],
		Width:        cfg.RasterParams.RasterSize[0],
		OutDim:       cfg.NumTargets(),
		Seed:         cfg.TrainParams.Seed,
	}
}

// CheckpointPath names the warm-start checkpoint for a model number.
func CheckpointPath(dir string, modelNum int) string {
	return filepath.Join(dir, fmt.Sprintf("motion_%d.ckpt", modelNum))
}

// StepCheckpointPath names the periodic checkpoint written during training.
func StepCheckpointPath(dir string, epoch, step int) string {
	return filepath.Join(dir, fmt.Sprintf("motion_%d_%d.ckpt", epoch, step))
}

// newOptimizer builds the optimizer selected by the config.
func newOptimizer(cfg *configs.Config) (model.Optimizer, error) {
	tp := cfg.TrainParams
	switch tp.Optimizer {
	case "adam":
		return model.NewAdam(tp.LearningRate, tp.Beta1, tp.Beta2, tp.Epsilon, tp.ClipNorm), nil
	case "sgd":
		return model.NewSGD(tp.LearningRate, tp.ClipNorm), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", tp.Optimizer)
	}
}

// replica is the per-rank training state.
type replica struct {
	rank    int
	model   *model.Model
	opt     model.Optimizer
	sampler *ShardSampler
	cursor  int
}

// lossMeter accumulates the running mean of the per-step training loss
// across replicas for the progress log.
type lossMeter struct {
	mu  sync.Mutex
	sum float64
	n   int64
}

func (m *lossMeter) add(v float64) {
	m.mu.Lock()
	m.sum += v
	m.n++
	m.mu.Unlock()
}

func (m *lossMeter) mean() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.n == 0 {
		return 0, false
	}
	return m.sum / float64(m.n), true
}

// Run trains for max_num_epochs and returns the rank-0 loss history.
func (t *Trainer) Run() (*Report, error) {
	tp := t.Cfg.TrainParams
	batchSize := t.Cfg.TrainDataLoader.BatchSize

	t.Data.SetStoreCacheEnabled(true)

	replicas := make([]*replica, t.WorldSize)
	for rank := 0; rank < t.WorldSize; rank++ {
		var m *model.Model
		var err error
		if rank == 0 {
			m, err = model.Build(ModelConfig(t.Cfg))
		} else {
			m, err = replicas[0].model.Clone()
		}
		if err != nil {
			return nil, fmt.Errorf("rank %d: build model: %w", rank, err)
		}

		opt, err := newOptimizer(t.Cfg)
		if err != nil {
			return nil, err
		}

		// Warm start: every rank loads the same checkpoint so the replicas
		// begin the first step with identical weights.
		if tp.ModelNum != 0 {
			path := CheckpointPath(t.OutDir, tp.ModelNum)
			if _, _, err := model.LoadCheckpoint(path, m, opt); err != nil {
				return nil, fmt.Errorf("rank %d: warm start: %w", rank, err)
			}
			if rank == 0 {
				klog.Infof("warm start from %s", path)
			}
		}

		sampler, err := NewShardSampler(t.Data.Len(), rank, t.WorldSize, t.Cfg.TrainDataLoader.Shuffle, tp.Seed)
		if err != nil {
			return nil, err
		}
		replicas[rank] = &replica{rank: rank, model: m, opt: opt, sampler: sampler}
	}

	reducer, err := NewAllReducer(t.WorldSize)
	if err != nil {
		return nil, err
	}

	shardLen := len(replicas[0].sampler.Indices())
	stepsPerEpoch := (shardLen + batchSize - 1) / batchSize
	if tp.StepsPerEpoch > 0 {
		stepsPerEpoch = tp.StepsPerEpoch
	}
	totalSteps := tp.MaxNumEpochs * stepsPerEpoch

	report := &Report{Epochs: tp.MaxNumEpochs}
	var done int64
	meter := &lossMeter{}

	interval := t.ProgressInterval
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
				pct := 100 * float64(d) / float64(totalSteps*t.WorldSize)
				if mean, ok := meter.mean(); ok {
					klog.Infof("training progress: %d/%d replica steps (%.1f%%), mean loss %.6f",
						d, int64(totalSteps*t.WorldSize), pct, mean)
				} else {
					klog.Infof("training progress: %d/%d replica steps (%.1f%%)",
						d, int64(totalSteps*t.WorldSize), pct)
				}
			case <-stopProgress:
				return
			}
		}
	}()
	defer close(stopProgress)

	for epoch := 0; epoch < tp.MaxNumEpochs; epoch++ {
		klog.Infof("begin epoch %d", epoch)
		for _, r := range replicas {
			r.sampler.SetEpoch(epoch)
			r.cursor = 0
		}

		errCh := make(chan error, t.WorldSize)
		var wg sync.WaitGroup
		wg.Add(t.WorldSize)

		for _, r := range replicas {
			go func(r *replica) {
				defer wg.Done()
				if err := t.runEpoch(r, reducer, epoch, stepsPerEpoch, batchSize, report, &done, meter); err != nil {
					reducer.Abort(fmt.Errorf("rank %d: %w", r.rank, err))
					errCh <- fmt.Errorf("rank %d: %w", r.rank, err)
				}
			}(r)
		}

		wg.Wait()
		close(errCh)
		if err := <-errCh; err != nil {
			return nil, err
		}
	}

	report.Steps = totalSteps
	if n := len(report.LossHistory); n > 0 {
		report.FinalLoss = report.LossHistory[n-1]
	}

	// Final checkpoint so a run is always resumable from its end state.
	final := StepCheckpointPath(t.OutDir, tp.MaxNumEpochs-1, stepsPerEpoch)
	if err := model.SaveCheckpoint(final, replicas[0].model, replicas[0].opt, tp.MaxNumEpochs-1, stepsPerEpoch); err != nil {
		return nil, fmt.Errorf("final checkpoint: %w", err)
	}
	klog.Infof("finished training: %d steps, final loss %.6f, checkpoint %s",
		report.Steps, report.FinalLoss, final)
	return report, nil
}

// runEpoch runs one rank's share of an epoch. The shard cursor wraps when
// steps_per_epoch asks for more batches than the shard holds. Batches are
// prefetched by a worker pool sized by train_data_loader.num_workers.
func (t *Trainer) runEpoch(r *replica, reducer *AllReducer, epoch, steps, batchSize int, report *Report, done *int64, meter *lossMeter) error {
	shard := r.sampler.Indices()
	ckptEvery := t.Cfg.TrainParams.CheckpointEveryNSteps

	batches := make([][]int, steps)
	for step := 0; step < steps; step++ {
		batchIdx := make([]int, 0, batchSize)
		for len(batchIdx) < batchSize {
			batchIdx = append(batchIdx, shard[r.cursor])
			r.cursor = (r.cursor + 1) % len(shard)
		}
		batches[step] = batchIdx
	}

	loader := newBatchLoader(t.Data, batches, t.Cfg.TrainDataLoader.NumWorkers)
	defer loader.drain()

	for step := 0; step < steps; step++ {
		b, ok := loader.Next()
		if !ok {
			return fmt.Errorf("epoch %d step %d: batch loader exhausted", epoch, step)
		}
		if b.err != nil {
			return fmt.Errorf("epoch %d step %d: fetch batch: %w", epoch, step, b.err)
		}

		r.model.ZeroGrad()
		loss, err := r.model.BatchGradients(b.inputs, b.targets, b.avails)
		if err != nil {
			return fmt.Errorf("epoch %d step %d: backward: %w", epoch, step, err)
		}

		if err := reducer.Reduce(r.model.GradSlices()); err != nil {
			return fmt.Errorf("epoch %d step %d: all-reduce: %w", epoch, step, err)
		}
		r.opt.Step(r.model.ParamSlices(), r.model.GradSlices())

		meter.add(loss)
		atomic.AddInt64(done, 1)

		if r.rank == 0 {
			report.LossHistory = append(report.LossHistory, loss)
			if ckptEvery > 0 && step%ckptEvery == 0 && step != 0 {
				path := StepCheckpointPath(t.OutDir, epoch, step)
				if err := model.SaveCheckpoint(path, r.model, r.opt, epoch, step); err != nil {
					return fmt.Errorf("epoch %d step %d: checkpoint: %w", epoch, step, err)
				}
				klog.Infof("checkpoint written: %s", path)
			}
		}
	}
	return nil
}

package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShanglinLi/Motion-Prediction/configs"
	"github.com/ShanglinLi/Motion-Prediction/datasets"
	"github.com/ShanglinLi/Motion-Prediction/model"
	"github.com/ShanglinLi/Motion-Prediction/raster"
)

// fixtureConfig returns a config small enough to train in a test: an 8x8
// raster, history 1, future 2, and a handful of adam steps per epoch.
func fixtureConfig() *configs.Config {
	return &configs.Config{
		ModelParams: configs.ModelParams{
			ModelArchitecture: "smallconv",
			HistoryNumFrames:  1,
			FutureNumFrames:   2,
		},
		RasterParams: configs.RasterParams{
			RasterSize: []int{8, 8},
			PixelSize:  []float64{1.0, 1.0},
			EgoCenter:  []float64{0.5, 0.5},
			MapType:    "box_occupancy",
		},
		TrainDataLoader: configs.DataLoaderParams{BatchSize: 2, Shuffle: true},
		TestDataLoader:  configs.DataLoaderParams{BatchSize: 3},
		TrainParams: configs.TrainParams{
			MaxNumEpochs:          2,
			CheckpointEveryNSteps: 2,
			StepsPerEpoch:         4,
			LearningRate:          1e-3,
			Optimizer:             "adam",
			Beta1:                 0.9,
			Beta2:                 0.999,
			Epsilon:               1e-8,
			ClipNorm:              5.0,
			Seed:                  11,
		},
	}
}

// fixtureDataset writes a single-scene store (two tracks over 12 frames) and
// opens it as an AgentDataset.
func fixtureDataset(t *testing.T, cfg *configs.Config) *datasets.AgentDataset {
	t.Helper()
	dir := t.TempDir()
	content := "scene_id,frame_id,timestamp,track_id,x,y,yaw,extent_x,extent_y\n"
	for f := 0; f < 12; f++ {
		ts := 1000 + 100*f
		content += fmt.Sprintf("0,%d,%d,1,%d.0,0.0,0.0,4.0,2.0\n", f, ts, 10+f)
		content += fmt.Sprintf("0,%d,%d,2,0.0,5.0,0.0,4.0,2.0\n", f, ts)
	}
	if err := os.WriteFile(filepath.Join(dir, "agents_000.csv"), []byte(content), 0644); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	ch, err := datasets.NewChunkedDataset(dir)
	if err != nil {
		t.Fatalf("NewChunkedDataset error: %v", err)
	}
	r, err := raster.BuildRasterizer(cfg)
	if err != nil {
		t.Fatalf("BuildRasterizer error: %v", err)
	}
	data, err := datasets.NewAgentDataset(cfg, ch, r, nil)
	if err != nil {
		t.Fatalf("NewAgentDataset error: %v", err)
	}
	return data
}

func runFixtureTraining(t *testing.T, cfg *configs.Config, worldSize int, outDir string) *Report {
	t.Helper()
	data := fixtureDataset(t, cfg)
	tr, err := NewTrainer(cfg, data, worldSize, outDir)
	if err != nil {
		t.Fatalf("NewTrainer error: %v", err)
	}
	tr.ProgressInterval = time.Hour
	report, err := tr.Run()
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	return report
}

func TestTrainerRun(t *testing.T) {
	cfg := fixtureConfig()
	outDir := t.TempDir()
	report := runFixtureTraining(t, cfg, 2, outDir)

	wantSteps := cfg.TrainParams.MaxNumEpochs * cfg.TrainParams.StepsPerEpoch
	if report.Steps != wantSteps {
		t.Fatalf("report.Steps = %d, want %d", report.Steps, wantSteps)
	}
	if len(report.LossHistory) != wantSteps {
		t.Fatalf("loss history has %d entries, want %d", len(report.LossHistory), wantSteps)
	}
	for i, l := range report.LossHistory {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			t.Fatalf("non-finite loss at step %d: %v", i, l)
		}
	}
	if report.FinalLoss != report.LossHistory[len(report.LossHistory)-1] {
		t.Fatalf("FinalLoss = %v, want last history entry", report.FinalLoss)
	}

	// Periodic checkpoint at step 2 of each epoch, plus the final one.
	for _, name := range []string{"motion_0_2.ckpt", "motion_1_2.ckpt", "motion_1_4.ckpt"} {
		path := filepath.Join(outDir, name)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("checkpoint %s missing: %v", name, err)
		}
	}

	// The final checkpoint loads back into a fresh model.
	m, err := model.Build(ModelConfig(cfg))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	epoch, step, err := model.LoadCheckpoint(filepath.Join(outDir, "motion_1_4.ckpt"), m, nil)
	if err != nil {
		t.Fatalf("LoadCheckpoint error: %v", err)
	}
	if epoch != 1 || step != 4 {
		t.Fatalf("final checkpoint epoch/step = %d/%d, want 1/4", epoch, step)
	}
}

func TestTrainerDeterministicAcrossRuns(t *testing.T) {
	cfg := fixtureConfig()
	first := runFixtureTraining(t, cfg, 2, t.TempDir())
	second := runFixtureTraining(t, fixtureConfig(), 2, t.TempDir())

	if len(first.LossHistory) != len(second.LossHistory) {
		t.Fatalf("loss history lengths differ: %d vs %d", len(first.LossHistory), len(second.LossHistory))
	}
	for i := range first.LossHistory {
		if first.LossHistory[i] != second.LossHistory[i] {
			t.Fatalf("loss history differs at step %d: %v vs %v",
				i, first.LossHistory[i], second.LossHistory[i])
		}
	}
}

func TestTrainerPrefetchMatchesSingleWorker(t *testing.T) {
	single := runFixtureTraining(t, fixtureConfig(), 2, t.TempDir())

	pooled := fixtureConfig()
	pooled.TrainDataLoader.NumWorkers = 3
	prefetched := runFixtureTraining(t, pooled, 2, t.TempDir())

	// Prefetching changes when batches are read, not which step gets which
	// batch, so the loss history must be identical.
	if len(single.LossHistory) != len(prefetched.LossHistory) {
		t.Fatalf("loss history lengths differ: %d vs %d", len(single.LossHistory), len(prefetched.LossHistory))
	}
	for i := range single.LossHistory {
		if single.LossHistory[i] != prefetched.LossHistory[i] {
			t.Fatalf("loss history differs at step %d: %v vs %v",
				i, single.LossHistory[i], prefetched.LossHistory[i])
		}
	}
}

func TestLossMeter(t *testing.T) {
	m := &lossMeter{}
	if _, ok := m.mean(); ok {
		t.Fatalf("empty meter reported a mean")
	}
	m.add(1)
	m.add(2)
	m.add(6)
	mean, ok := m.mean()
	if !ok || mean != 3 {
		t.Fatalf("mean = %v, %v, want 3, true", mean, ok)
	}
}

func TestTrainerWarmStart(t *testing.T) {
	cfg := fixtureConfig()
	outDir := t.TempDir()

	// Seed a checkpoint to warm-start from.
	m, err := model.Build(ModelConfig(cfg))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := model.SaveCheckpoint(CheckpointPath(outDir, 3), m, nil, 0, 0); err != nil {
		t.Fatalf("SaveCheckpoint error: %v", err)
	}

	cfg.TrainParams.ModelNum = 3
	cfg.TrainParams.MaxNumEpochs = 1
	cfg.TrainParams.StepsPerEpoch = 2
	report := runFixtureTraining(t, cfg, 2, outDir)
	if len(report.LossHistory) != 2 {
		t.Fatalf("loss history has %d entries, want 2", len(report.LossHistory))
	}
}

func TestTrainerWarmStartMissingCheckpoint(t *testing.T) {
	cfg := fixtureConfig()
	cfg.TrainParams.ModelNum = 99
	data := fixtureDataset(t, cfg)
	tr, err := NewTrainer(cfg, data, 1, t.TempDir())
	if err != nil {
		t.Fatalf("NewTrainer error: %v", err)
	}
	tr.ProgressInterval = time.Hour
	if _, err := tr.Run(); err == nil {
		t.Fatalf("expected warm start error for missing checkpoint")
	}
}

func TestNewTrainerValidation(t *testing.T) {
	cfg := fixtureConfig()
	data := fixtureDataset(t, cfg)

	if _, err := NewTrainer(nil, data, 1, ""); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewTrainer(cfg, nil, 1, ""); err == nil {
		t.Fatalf("expected error for nil dataset")
	}
	if _, err := NewTrainer(cfg, data, 0, ""); err == nil {
		t.Fatalf("expected error for zero world size")
	}
	if _, err := NewTrainer(cfg, data, data.Len()+1, ""); err == nil {
		t.Fatalf("expected error for world size exceeding dataset")
	}

	cfg.TrainParams.Optimizer = "rmsprop"
	tr, err := NewTrainer(cfg, data, 1, t.TempDir())
	if err != nil {
		t.Fatalf("NewTrainer error: %v", err)
	}
	tr.ProgressInterval = time.Hour
	if _, err := tr.Run(); err == nil {
		t.Fatalf("expected error for unknown optimizer")
	}
}

func TestModelConfig(t *testing.T) {
	cfg := fixtureConfig()
	mc := ModelConfig(cfg)
	if mc.InChannels != 7 {
		t.Fatalf("InChannels = %d, want 7 for history 1", mc.InChannels)
	}
	if mc.OutDim != 4 {
		t.Fatalf("OutDim = %d, want 4 for future 2", mc.OutDim)
	}
	if mc.Height != 8 || mc.Width != 8 {
		t.Fatalf("raster dims = %dx%d, want 8x8", mc.Width, mc.Height)
	}
}

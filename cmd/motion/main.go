// Command motion trains the agent motion prediction model and writes the
// competition prediction CSV. The mode is selected by the config:
// train_params.load_the_state false trains, true loads a checkpoint and
// predicts the masked test set.
package main

import (
	"flag"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/ShanglinLi/Motion-Prediction/baseline"
	"github.com/ShanglinLi/Motion-Prediction/configs"
	"github.com/ShanglinLi/Motion-Prediction/datasets"
	"github.com/ShanglinLi/Motion-Prediction/raster"
	"github.com/ShanglinLi/Motion-Prediction/train"
)

func main() {
	nodes := flag.Int("n", 1, "number of nodes")
	replicasPerNode := flag.Int("g", 1, "model replicas per node")
	nodeRank := flag.Int("nr", 0, "rank of this node (only 0 is supported; all replicas run in-process)")
	configPath := flag.String("config", "configs/agent_motion_config.yaml", "path to the run config (.yaml or .json)")
	dataFolder := flag.String("data", "", "data folder root (defaults to $"+datasets.DataFolderEnv+")")
	outDir := flag.String("out", "output", "output directory for checkpoints, predictions and plots")

	baselineN := flag.Int("baseline-n", 0, "number of training examples to score with the KNN baseline (0 disables)")
	baselineK := flag.Int("baseline-k", 8, "number of nearest neighbors used by the baseline")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	worldSize := (*nodes) * (*replicasPerNode)
	if worldSize < 1 {
		klog.Fatalf("invalid world size %d (n=%d, g=%d)", worldSize, *nodes, *replicasPerNode)
	}
	if *nodeRank != 0 {
		klog.Fatalf("node rank %d: multi-node runs are not supported, all %d replicas run in this process", *nodeRank, worldSize)
	}

	cfg, err := configs.LoadConfigData(*configPath)
	if err != nil {
		klog.Fatalf("load config: %v", err)
	}

	dm, err := datasets.NewLocalDataManager(*dataFolder)
	if err != nil {
		klog.Fatalf("data folder: %v", err)
	}

	rast, err := raster.BuildRasterizer(cfg)
	if err != nil {
		klog.Fatalf("build rasterizer: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		klog.Fatalf("mkdir %s: %v", *outDir, err)
	}

	if cfg.TrainParams.LoadTheState {
		runPredict(cfg, dm, rast, worldSize, *outDir)
		return
	}
	runTrain(cfg, dm, rast, worldSize, *outDir, *baselineN, *baselineK)
}

// openSplit opens the chunked store and optional mask for one data loader.
func openSplit(cfg *configs.Config, dm *datasets.LocalDataManager, rast *raster.Rasterizer, dl configs.DataLoaderParams) (*datasets.AgentDataset, error) {
	dir, err := dm.Require(dl.Key)
	if err != nil {
		return nil, err
	}
	ch, err := datasets.NewChunkedDataset(dir)
	if err != nil {
		return nil, err
	}

	var mask *datasets.AgentMask
	if dl.Mask != "" {
		maskPath, err := dm.Require(dl.Mask)
		if err != nil {
			return nil, err
		}
		mask, err = datasets.LoadAgentMask(maskPath)
		if err != nil {
			return nil, err
		}
	}
	return datasets.NewAgentDataset(cfg, ch, rast, mask)
}

func runTrain(cfg *configs.Config, dm *datasets.LocalDataManager, rast *raster.Rasterizer, worldSize int, outDir string, baselineN, baselineK int) {
	data, err := openSplit(cfg, dm, rast, cfg.TrainDataLoader)
	if err != nil {
		klog.Fatalf("open training data: %v", err)
	}
	klog.Infof("training dataset: %d examples, world size %d", data.Len(), worldSize)

	trainer, err := train.NewTrainer(cfg, data, worldSize, outDir)
	if err != nil {
		klog.Fatalf("create trainer: %v", err)
	}
	report, err := trainer.Run()
	if err != nil {
		klog.Fatalf("training failed: %v", err)
	}

	plotPath := filepath.Join(outDir, "loss.png")
	if err := plotLossCurve(plotPath, report.LossHistory); err != nil {
		klog.Warningf("loss curve plot: %v", err)
	} else {
		klog.Infof("loss curve written to %s", plotPath)
	}

	if baselineN > 0 {
		if err := scoreBaseline(data, cfg.ModelParams.FutureNumFrames, baselineN, baselineK, cfg.TrainParams.Seed); err != nil {
			klog.Warningf("baseline scoring: %v", err)
		}
	}
}

func runPredict(cfg *configs.Config, dm *datasets.LocalDataManager, rast *raster.Rasterizer, worldSize int, outDir string) {
	data, err := openSplit(cfg, dm, rast, cfg.TestDataLoader)
	if err != nil {
		klog.Fatalf("open test data: %v", err)
	}
	klog.Infof("test dataset: %d examples, world size %d", data.Len(), worldSize)

	ev, err := train.NewEvaluator(cfg, data, worldSize, outDir)
	if err != nil {
		klog.Fatalf("create evaluator: %v", err)
	}
	csvPath := filepath.Join(outDir, "pred.csv")
	rows, err := ev.Run(csvPath)
	if err != nil {
		klog.Fatalf("prediction failed: %v", err)
	}
	klog.Infof("predictions for %d agents written to %s", rows, csvPath)
}

// scoreBaseline reports the KNN baseline's displacement error over the first
// n training examples, giving the trained model a number to beat.
func scoreBaseline(data *datasets.AgentDataset, steps, n, k int, seed int64) error {
	pred, err := baseline.NewPredictor(data, k)
	if err != nil {
		return err
	}
	pred.SetSeed(seed)

	if n > data.Len() {
		n = data.Len()
	}
	var sumSq float64
	var count int
	for i := 0; i < n; i++ {
		history, future, err := data.TrajectorySample(i)
		if err != nil || len(history) < 2 || len(future) == 0 {
			continue
		}
		traj, err := pred.Predict(history, steps)
		if err != nil {
			continue
		}
		for j := 0; j < len(future) && j < len(traj); j++ {
			dx := float64(traj[j].X - future[j][0])
			dy := float64(traj[j].Y - future[j][1])
			sumSq += dx*dx + dy*dy
			count++
		}
	}
	if count == 0 {
		klog.Infof("baseline: no scorable examples in the first %d", n)
		return nil
	}
	klog.Infof("baseline RMSE over %d future points (first %d examples, k=%d): %.4f m",
		count, n, k, math.Sqrt(sumSq/float64(count)))
	return nil
}

// plotLossCurve writes the per-step training loss as a PNG line chart.
func plotLossCurve(path string, losses []float64) error {
	if len(losses) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "masked MSE"

	xys := make(plotter.XYs, len(losses))
	for i, l := range losses {
		xys[i] = plotter.XY{X: float64(i), Y: l}
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	p.Add(line, plotter.NewGrid())
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}

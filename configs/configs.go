// Package configs loads the competition configuration used by both training
// and prediction. The on-disk format mirrors the competition's reference
// config: a model_params / raster_params block plus one data-loader block per
// split and train/test parameter blocks. Both YAML and JSON files are
// accepted; the decoder is chosen by file extension.
package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelParams describes the prediction horizon and the backbone to build.
type ModelParams struct {
	// ModelArchitecture names the backbone. Currently "smallconv".
	ModelArchitecture string `yaml:"model_architecture" json:"model_architecture"`

	// HistoryNumFrames is the number of past frames rasterized in addition
	// to the anchor frame.
	HistoryNumFrames int `yaml:"history_num_frames" json:"history_num_frames"`

	// FutureNumFrames is the number of future positions predicted per agent.
	FutureNumFrames int `yaml:"future_num_frames" json:"future_num_frames"`
}

// RasterParams controls the bird's-eye-view rendering.
type RasterParams struct {
	// RasterSize is [width, height] in pixels.
	RasterSize []int `yaml:"raster_size" json:"raster_size"`

	// PixelSize is [width, height] in meters per pixel.
	PixelSize []float64 `yaml:"pixel_size" json:"pixel_size"`

	// EgoCenter places the agent of interest in the raster, as fractions of
	// the raster size. [0.25, 0.5] puts it a quarter in from the left edge,
	// vertically centered, leaving most of the image ahead of the agent.
	EgoCenter []float64 `yaml:"ego_center" json:"ego_center"`

	// MapType selects the map channels. Only "box_occupancy" is implemented.
	MapType string `yaml:"map_type" json:"map_type"`
}

// DataLoaderParams configures one split (train / val / test).
type DataLoaderParams struct {
	// Key is the dataset key, resolved by LocalDataManager against the data
	// folder (e.g. "scenes/train").
	Key string `yaml:"key" json:"key"`

	// Mask is an optional key for the scoring mask CSV. Empty means every
	// agent example is used.
	Mask string `yaml:"mask" json:"mask"`

	BatchSize  int  `yaml:"batch_size" json:"batch_size"`
	Shuffle    bool `yaml:"shuffle" json:"shuffle"`
	NumWorkers int  `yaml:"num_workers" json:"num_workers"`
}

// TrainParams holds the optimization settings and checkpoint cadence.
type TrainParams struct {
	MaxNumEpochs          int `yaml:"max_num_epochs" json:"max_num_epochs"`
	CheckpointEveryNSteps int `yaml:"checkpoint_every_n_steps" json:"checkpoint_every_n_steps"`

	// StepsPerEpoch caps the optimizer steps each replica runs per epoch.
	// Zero means one pass over the replica's shard. When larger than the
	// shard, the shard cursor wraps around.
	StepsPerEpoch int `yaml:"steps_per_epoch" json:"steps_per_epoch"`

	// ModelNum selects a checkpoint to warm-start from. Zero trains from
	// scratch.
	ModelNum int `yaml:"model_num" json:"model_num"`

	// LoadTheState switches the driver into prediction mode.
	LoadTheState bool `yaml:"load_the_state" json:"load_the_state"`

	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Optimizer    string  `yaml:"optimizer" json:"optimizer"`
	Beta1        float64 `yaml:"adam_beta1" json:"adam_beta1"`
	Beta2        float64 `yaml:"adam_beta2" json:"adam_beta2"`
	Epsilon      float64 `yaml:"adam_eps" json:"adam_eps"`
	ClipNorm     float64 `yaml:"clip_norm" json:"clip_norm"`

	// Seed makes weight init and shuffling reproducible across replicas.
	Seed int64 `yaml:"seed" json:"seed"`
}

// TestParams selects the checkpoint used for prediction.
type TestParams struct {
	ModelNum int `yaml:"model_num" json:"model_num"`
}

// Config is the root configuration document.
type Config struct {
	ModelParams    ModelParams      `yaml:"model_params" json:"model_params"`
	RasterParams   RasterParams     `yaml:"raster_params" json:"raster_params"`
	TrainDataLoader DataLoaderParams `yaml:"train_data_loader" json:"train_data_loader"`
	ValDataLoader   DataLoaderParams `yaml:"val_data_loader" json:"val_data_loader"`
	TestDataLoader  DataLoaderParams `yaml:"test_data_loader" json:"test_data_loader"`
	TrainParams     TrainParams      `yaml:"train_params" json:"train_params"`
	TestParams      TestParams       `yaml:"test_params" json:"test_params"`
}

// LoadConfigData reads and validates a config file. YAML (.yaml/.yml) and
// JSON (.json) are supported.
func LoadConfigData(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode json config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .json)", ext)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the reference defaults.
func (c *Config) applyDefaults() {
	if c.ModelParams.ModelArchitecture == "" {
		c.ModelParams.ModelArchitecture = "smallconv"
	}
	if c.ModelParams.HistoryNumFrames == 0 {
		c.ModelParams.HistoryNumFrames = 10
	}
	if c.ModelParams.FutureNumFrames == 0 {
		c.ModelParams.FutureNumFrames = 50
	}

	if len(c.RasterParams.RasterSize) == 0 {
		c.RasterParams.RasterSize = []int{224, 224}
	}
	if len(c.RasterParams.PixelSize) == 0 {
		c.RasterParams.PixelSize = []float64{0.5, 0.5}
	}
	if len(c.RasterParams.EgoCenter) == 0 {
		c.RasterParams.EgoCenter = []float64{0.25, 0.5}
	}
	if c.RasterParams.MapType == "" {
		c.RasterParams.MapType = "box_occupancy"
	}

	for _, dl := range []*DataLoaderParams{&c.TrainDataLoader, &c.ValDataLoader, &c.TestDataLoader} {
		if dl.BatchSize == 0 {
			dl.BatchSize = 12
		}
	}

	if c.TrainParams.MaxNumEpochs == 0 {
		c.TrainParams.MaxNumEpochs = 1
	}
	if c.TrainParams.CheckpointEveryNSteps == 0 {
		c.TrainParams.CheckpointEveryNSteps = 10000
	}
	if c.TrainParams.LearningRate == 0 {
		c.TrainParams.LearningRate = 1e-3
	}
	if c.TrainParams.Optimizer == "" {
		c.TrainParams.Optimizer = "adam"
	}
	if c.TrainParams.Beta1 == 0 {
		c.TrainParams.Beta1 = 0.9
	}
	if c.TrainParams.Beta2 == 0 {
		c.TrainParams.Beta2 = 0.999
	}
	if c.TrainParams.Epsilon == 0 {
		c.TrainParams.Epsilon = 1e-8
	}
	if c.TrainParams.ClipNorm == 0 {
		c.TrainParams.ClipNorm = 5.0
	}
}

// Validate rejects configurations the rasterizer, model or trainer cannot
// honor.
func (c *Config) Validate() error {
	if c.ModelParams.HistoryNumFrames < 0 {
		return fmt.Errorf("model_params.history_num_frames must be >= 0, got %d", c.ModelParams.HistoryNumFrames)
	}
	if c.ModelParams.FutureNumFrames < 1 {
		return fmt.Errorf("model_params.future_num_frames must be >= 1, got %d", c.ModelParams.FutureNumFrames)
	}
	if len(c.RasterParams.RasterSize) != 2 {
		return fmt.Errorf("raster_params.raster_size must have 2 entries, got %d", len(c.RasterParams.RasterSize))
	}
	if c.RasterParams.RasterSize[0] < 4 || c.RasterParams.RasterSize[1] < 4 {
		return fmt.Errorf("raster_params.raster_size too small: %v", c.RasterParams.RasterSize)
	}
	if len(c.RasterParams.PixelSize) != 2 {
		return fmt.Errorf("raster_params.pixel_size must have 2 entries, got %d", len(c.RasterParams.PixelSize))
	}
	if c.RasterParams.PixelSize[0] <= 0 || c.RasterParams.PixelSize[1] <= 0 {
		return fmt.Errorf("raster_params.pixel_size must be positive: %v", c.RasterParams.PixelSize)
	}
	if len(c.RasterParams.EgoCenter) != 2 {
		return fmt.Errorf("raster_params.ego_center must have 2 entries, got %d", len(c.RasterParams.EgoCenter))
	}
	for _, v := range c.RasterParams.EgoCenter {
		if v < 0 || v > 1 {
			return fmt.Errorf("raster_params.ego_center entries must be in [0,1]: %v", c.RasterParams.EgoCenter)
		}
	}
	for name, dl := range map[string]*DataLoaderParams{
		"train_data_loader": &c.TrainDataLoader,
		"val_data_loader":   &c.ValDataLoader,
		"test_data_loader":  &c.TestDataLoader,
	} {
		if dl.BatchSize < 1 {
			return fmt.Errorf("%s.batch_size must be >= 1, got %d", name, dl.BatchSize)
		}
		if dl.NumWorkers < 0 {
			return fmt.Errorf("%s.num_workers must be >= 0, got %d", name, dl.NumWorkers)
		}
	}
	switch c.TrainParams.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("train_params.optimizer must be \"adam\" or \"sgd\", got %q", c.TrainParams.Optimizer)
	}
	if c.TrainParams.LearningRate <= 0 {
		return fmt.Errorf("train_params.learning_rate must be positive, got %g", c.TrainParams.LearningRate)
	}
	return nil
}

// NumInChannels is the raster channel count the model stem must accept:
// two channels per rasterized frame (agent and others) plus three map
// channels.
func (c *Config) NumInChannels() int {
	return 3 + 2*(c.ModelParams.HistoryNumFrames+1)
}

// NumTargets is the flattened output dimension: (x, y) per future frame.
func (c *Config) NumTargets() int {
	return 2 * c.ModelParams.FutureNumFrames
}

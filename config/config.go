// Package config holds the run configuration: defaults, JSON loading and
// validation. Every check runs before any dataset or model is built.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// DataConfig identifies the dataset.
type DataConfig struct {
	DatasetName string `json:"dataset_name"`
	// Source is "gaussian" for the synthetic dataset or "folder" for an
	// image folder under DataPath.
	Source     string `json:"source"`
	DataPath   string `json:"data_path"`
	ImgSize    int    `json:"img_size"`
	Channels   int    `json:"channels"`
	NumClasses int    `json:"num_classes"`
	// Sizes of the synthetic train and eval splits.
	SyntheticTrainSize int `json:"synthetic_train_size"`
	SyntheticEvalSize  int `json:"synthetic_eval_size"`
}

// TrainConfig selects the phases to run and their cadence.
type TrainConfig struct {
	Train            bool   `json:"train"`
	Eval             bool   `json:"eval"`
	KNearestNeighbor bool   `json:"k_nearest_neighbor"`
	Interpolation    bool   `json:"interpolation"`
	LinearEvaluation bool   `json:"linear_evaluation"`
	StepLinearEval   int    `json:"step_linear_eval"`
	NRow             int    `json:"nrow"`
	NCol             int    `json:"ncol"`
	PrintEvery       int    `json:"print_every"`
	SaveEvery        int    `json:"save_every"`
	CheckpointFolder string `json:"checkpoint_folder"`
	SaveCheckpoints  bool   `json:"save_checkpoints"`
	CheckpointFormat string `json:"checkpoint_format"`
	NumEval          int    `json:"num_eval"`
	EvalSplits       int    `json:"eval_splits"`
	Extractor        string `json:"extractor"`
	ExtractorDim     int    `json:"extractor_dim"`
	SaveMoments      bool   `json:"save_moments"`
	// PlotServiceURL, when set, receives the run's plots at the end.
	PlotServiceURL   string `json:"plot_service_url"`
}

// ModelConfig describes the networks.
type ModelConfig struct {
	Architecture          string `json:"architecture"`
	ConditionalStrategy   string `json:"conditional_strategy"`
	PosCollectedNumerator bool   `json:"pos_collected_numerator"`
	HypersphereDim        int    `json:"hypersphere_dim"`
	NonlinearEmbed        bool   `json:"nonlinear_embed"`
	NormalizeEmbed        bool   `json:"normalize_embed"`
	GSpectralNorm         bool   `json:"g_spectral_norm"`
	DSpectralNorm         bool   `json:"d_spectral_norm"`
	ActivationFn          string `json:"activation_fn"`
	DActivationFn         string `json:"d_activation_fn"`
	ZDim                  int    `json:"z_dim"`
	GConvDim              int    `json:"g_conv_dim"`
	DConvDim              int    `json:"d_conv_dim"`
	GInit                 string `json:"g_init"`
	DInit                 string `json:"d_init"`
	SynchronizedBN        bool   `json:"synchronized_bn"`
}

// OptimizationConfig holds optimizer and schedule settings.
type OptimizationConfig struct {
	Optimizer         string  `json:"optimizer"`
	BatchSize         int     `json:"batch_size"`
	DLR               float64 `json:"d_lr"`
	GLR               float64 `json:"g_lr"`
	Momentum          float64 `json:"momentum"`
	Nesterov          bool    `json:"nesterov"`
	Alpha             float64 `json:"alpha"`
	Beta1             float64 `json:"beta1"`
	Beta2             float64 `json:"beta2"`
	GStepsPerIter     int     `json:"g_steps_per_iter"`
	DStepsPerIter     int     `json:"d_steps_per_iter"`
	AccumulationSteps int     `json:"accumulation_steps"`
	TotalStep         int     `json:"total_step"`
}

// LossConfig selects the adversarial loss and its regularisers.
type LossConfig struct {
	AdvLoss               string  `json:"adv_loss"`
	ContrastiveLambda     float64 `json:"contrastive_lambda"`
	Margin                float64 `json:"margin"`
	TemperingType         string  `json:"tempering_type"`
	TemperingStep         int     `json:"tempering_step"`
	StartTemperature      float64 `json:"start_temperature"`
	EndTemperature        float64 `json:"end_temperature"`
	GradientPenaltyForDis bool    `json:"gradient_penalty_for_dis"`
	GradientPenaltyLambda float64 `json:"gradient_penelty_lambda"`
	WeightClippingForDis  bool    `json:"weight_clipping_for_dis"`
	WeightClippingBound   float64 `json:"weight_clipping_bound"`
	ConsistencyReg        bool    `json:"consistency_reg"`
	ConsistencyLambda     float64 `json:"consistency_lambda"`
}

// SamplingConfig covers augmentation, latent sampling and EMA.
type SamplingConfig struct {
	RandomFlipPreprocessing bool    `json:"random_flip_preprocessing"`
	DiffAug                 bool    `json:"diff_aug"`
	DiffAugPolicy           string  `json:"diff_aug_policy"`
	Prior                   string  `json:"prior"`
	TruncatedFactor         float64 `json:"truncated_factor"`
	LatentOp                bool    `json:"latent_op"`
	LatentOpRate            float64 `json:"latent_op_rate"`
	LatentOpStep            int     `json:"latent_op_step"`
	LatentOpStep4Eval       int     `json:"latent_op_step4eval"`
	LatentOpAlpha           float64 `json:"latent_op_alpha"`
	LatentOpBeta            float64 `json:"latent_op_beta"`
	LatentNormRegWeight     float64 `json:"latent_norm_reg_weight"`
	EMA                     bool    `json:"ema"`
	EMADecay                float64 `json:"ema_decay"`
	EMAStart                int     `json:"ema_start"`
}

// Config is the complete run configuration.
type Config struct {
	Seed               int64   `json:"seed"`
	NumWorkers         int     `json:"num_workers"`
	Devices            int     `json:"devices"`
	ReduceTrainDataset float64 `json:"reduce_train_dataset"`
	LoadCurrent        bool    `json:"load_current"`
	Type4EvalDataset   string  `json:"type4eval_dataset"`
	LogDir             string  `json:"log_dir"`
	CheckpointRoot     string  `json:"checkpoint_root"`
	FigureDir          string  `json:"figure_dir"`
	MomentsDir         string  `json:"moments_dir"`

	Data         DataConfig         `json:"data"`
	Train        TrainConfig        `json:"train"`
	Model        ModelConfig        `json:"model"`
	Optimization OptimizationConfig `json:"optimization"`
	LossFunction LossConfig         `json:"loss_function"`
	Sampling     SamplingConfig     `json:"training_and_sampling_setting"`

	// Path is the file the configuration was loaded from, if any.
	Path string `json:"-"`
}

// DefaultNumWorkers returns the number of physical cores, falling back to
// the logical CPU count when cpuid cannot tell.
func DefaultNumWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Default returns a configuration that trains the mlp architecture on the
// synthetic dataset with the hinge loss.
func Default() *Config {
	return &Config{
		Seed:               0,
		NumWorkers:         DefaultNumWorkers(),
		Devices:            1,
		ReduceTrainDataset: 1.0,
		LoadCurrent:        true,
		Type4EvalDataset:   "valid",
		LogDir:             "./logs",
		CheckpointRoot:     "./checkpoints",
		FigureDir:          "./figures",
		MomentsDir:         "./data/moments",
		Data: DataConfig{
			DatasetName:        "gaussian",
			Source:             "gaussian",
			ImgSize:            8,
			Channels:           1,
			NumClasses:         4,
			SyntheticTrainSize: 512,
			SyntheticEvalSize:  256,
		},
		Train: TrainConfig{
			Train:            true,
			StepLinearEval:   200,
			NRow:             4,
			NCol:             8,
			PrintEvery:       100,
			SaveEvery:        1000,
			SaveCheckpoints:  true,
			CheckpointFormat: "json",
			NumEval:          256,
			EvalSplits:       10,
			Extractor:        "random_projection",
			ExtractorDim:     16,
		},
		Model: ModelConfig{
			Architecture:        "mlp",
			ConditionalStrategy: "no",
			HypersphereDim:      16,
			NormalizeEmbed:      true,
			DSpectralNorm:       true,
			ActivationFn:        "ReLU",
			DActivationFn:       "Leaky_ReLU",
			ZDim:                16,
			GConvDim:            64,
			DConvDim:            64,
			GInit:               "ortho",
			DInit:               "ortho",
		},
		Optimization: OptimizationConfig{
			Optimizer:         "Adam",
			BatchSize:         32,
			DLR:               0.0002,
			GLR:               0.0002,
			Momentum:          0.9,
			Alpha:             0.99,
			Beta1:             0.5,
			Beta2:             0.999,
			GStepsPerIter:     1,
			DStepsPerIter:     1,
			AccumulationSteps: 1,
			TotalStep:         1000,
		},
		LossFunction: LossConfig{
			AdvLoss:               "hinge",
			ContrastiveLambda:     1.0,
			Margin:                0.0,
			TemperingType:         "constant",
			TemperingStep:         1,
			StartTemperature:      1.0,
			EndTemperature:        1.0,
			GradientPenaltyLambda: 10.0,
			WeightClippingBound:   0.01,
			ConsistencyLambda:     10.0,
		},
		Sampling: SamplingConfig{
			DiffAugPolicy:       "color,translation,cutout",
			Prior:               "gaussian",
			TruncatedFactor:     -1,
			LatentOpRate:        0.9,
			LatentOpStep:        1,
			LatentOpStep4Eval:   1,
			LatentOpAlpha:       0.9,
			LatentOpBeta:        0.1,
			LatentNormRegWeight: 0.001,
			EMADecay:            0.9999,
			EMAStart:            1000,
		},
	}
}

// Load reads a JSON configuration on top of the defaults. Unknown fields are
// rejected so typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "config %s: %v", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Framework names the experiment after the configuration file, without
// directory or extension. Configurations built in code are named after the
// dataset.
func (c *Config) Framework() string {
	if c.Path == "" {
		return c.Data.DatasetName
	}
	base := filepath.Base(c.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Summary renders the configuration as indented JSON for the run log.
func (c *Config) Summary() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}

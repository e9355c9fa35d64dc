package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/checkpoints"
	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/optimizer"
)

// ErrInvalid is the cause of every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Conditional strategies.
const (
	StrategyNone        = "no"
	StrategyProjGAN     = "ProjGAN"
	StrategyACGAN       = "ACGAN"
	StrategyContraGAN   = "ContraGAN"
	StrategyProxyNCAGAN = "Proxy_NCA_GAN"
	StrategyNTXentGAN   = "NT_Xent_GAN"
)

// Strategies lists every supported conditional strategy.
func Strategies() []string {
	return []string{StrategyNone, StrategyProjGAN, StrategyACGAN, StrategyContraGAN, StrategyProxyNCAGAN, StrategyNTXentGAN}
}

// Conditional reports whether the strategy feeds class labels to the networks.
func Conditional(strategy string) bool {
	return strategy != StrategyNone && strategy != StrategyNTXentGAN
}

// Contrastive reports whether the strategy trains an embedding head with a
// contrastive objective.
func Contrastive(strategy string) bool {
	switch strategy {
	case StrategyContraGAN, StrategyProxyNCAGAN, StrategyNTXentGAN:
		return true
	}
	return false
}

// Tempering schedules for the contrastive temperature.
var temperingTypes = map[string]bool{"constant": true, "continuous": true, "discrete": true}

var priors = map[string]bool{"gaussian": true, "uniform": true}

var diffAugTokens = map[string]bool{"color": true, "translation": true, "cutout": true}

var evalSplits = map[string]bool{"train": true, "valid": true, "test": true}

// IsInvalid reports whether err was caused by a validation failure.
func IsInvalid(err error) bool {
	return errors.Cause(err) == ErrInvalid
}

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

// Validate checks the configuration for contradictions. It never touches the
// dataset; the only filesystem access is the existence check of a resume
// folder.
func (c *Config) Validate() error {
	if c.Devices < 1 {
		return invalidf("devices must be at least 1, got %d", c.Devices)
	}
	if c.NumWorkers < 1 {
		return invalidf("num_workers must be at least 1, got %d", c.NumWorkers)
	}
	if c.ReduceTrainDataset <= 0 || c.ReduceTrainDataset > 1 {
		return invalidf("reduce_train_dataset must be in (0, 1], got %g", c.ReduceTrainDataset)
	}
	if !evalSplits[c.Type4EvalDataset] {
		return invalidf("type4eval_dataset must be train, valid or test, got %q", c.Type4EvalDataset)
	}
	if _, err := checkpoints.ParseFormat(c.Train.CheckpointFormat); err != nil {
		return invalidf("%v", err)
	}
	if err := c.validateData(); err != nil {
		return err
	}
	if err := c.validateModel(); err != nil {
		return err
	}
	if err := c.validateOptimization(); err != nil {
		return err
	}
	if err := c.validateLoss(); err != nil {
		return err
	}
	if err := c.validateSampling(); err != nil {
		return err
	}
	return c.validateTrain()
}

func (c *Config) validateData() error {
	d := c.Data
	switch d.Source {
	case "gaussian":
		if d.SyntheticTrainSize <= 0 || d.SyntheticEvalSize <= 0 {
			return invalidf("synthetic dataset sizes must be positive, got %d/%d", d.SyntheticTrainSize, d.SyntheticEvalSize)
		}
	case "folder":
		if d.DataPath == "" {
			return invalidf("data_path is required for a folder dataset")
		}
	default:
		return invalidf("unknown data source %q", d.Source)
	}
	if d.Channels != 1 && d.Channels != 3 {
		return invalidf("channels must be 1 or 3, got %d", d.Channels)
	}
	if d.NumClasses < 1 {
		return invalidf("num_classes must be positive, got %d", d.NumClasses)
	}
	return nil
}

func (c *Config) validateModel() error {
	m := c.Model
	arch, err := models.Lookup(m.Architecture)
	if err != nil {
		return invalidf("%v", err)
	}
	if err := arch.Supports(c.Data.ImgSize); err != nil {
		return invalidf("%v", err)
	}
	known := false
	for _, s := range Strategies() {
		if s == m.ConditionalStrategy {
			known = true
			break
		}
	}
	if !known {
		return invalidf("unknown conditional_strategy %q", m.ConditionalStrategy)
	}
	if Conditional(m.ConditionalStrategy) && c.Data.NumClasses < 2 {
		return invalidf("%s needs at least two classes, got %d", m.ConditionalStrategy, c.Data.NumClasses)
	}
	if Contrastive(m.ConditionalStrategy) && m.HypersphereDim <= 0 {
		return invalidf("hypersphere_dim must be positive for %s", m.ConditionalStrategy)
	}
	if m.SynchronizedBN && !arch.BatchNorm() {
		return invalidf("synchronized_bn needs batch normalization, which the %s architecture does not have", m.Architecture)
	}
	if m.NonlinearEmbed {
		return invalidf("nonlinear_embed is not supported by the %s architecture", m.Architecture)
	}
	if m.ZDim <= 0 || m.GConvDim <= 0 || m.DConvDim <= 0 {
		return invalidf("z_dim, g_conv_dim and d_conv_dim must be positive")
	}
	if _, err := layers.ParseActivation(m.ActivationFn); err != nil {
		return invalidf("activation_fn: %v", err)
	}
	if _, err := layers.ParseActivation(m.DActivationFn); err != nil {
		return invalidf("d_activation_fn: %v", err)
	}
	if _, err := layers.LookupInitializer(m.GInit); err != nil {
		return invalidf("g_init: %v", err)
	}
	if _, err := layers.LookupInitializer(m.DInit); err != nil {
		return invalidf("d_init: %v", err)
	}
	return nil
}

func (c *Config) validateOptimization() error {
	o := c.Optimization
	known := false
	for _, f := range optimizer.Families() {
		if f == o.Optimizer {
			known = true
			break
		}
	}
	if !known {
		return invalidf("unknown optimizer %q (supported: %s)", o.Optimizer, strings.Join(optimizer.Families(), ", "))
	}
	if o.BatchSize <= 0 {
		return invalidf("batch_size must be positive, got %d", o.BatchSize)
	}
	if o.BatchSize%c.Devices != 0 {
		return invalidf("batch_size %d is not divisible by %d devices", o.BatchSize, c.Devices)
	}
	if o.DLR <= 0 || o.GLR <= 0 {
		return invalidf("learning rates must be positive, got d_lr=%g g_lr=%g", o.DLR, o.GLR)
	}
	if o.GStepsPerIter < 1 || o.DStepsPerIter < 1 || o.AccumulationSteps < 1 {
		return invalidf("steps per iteration and accumulation_steps must be at least 1")
	}
	if o.TotalStep < 0 {
		return invalidf("total_step must not be negative, got %d", o.TotalStep)
	}
	return nil
}

func (c *Config) validateLoss() error {
	l := c.LossFunction
	if _, err := losses.Lookup(l.AdvLoss); err != nil {
		return invalidf("%v", err)
	}
	if !temperingTypes[l.TemperingType] {
		return invalidf("unknown tempering_type %q", l.TemperingType)
	}
	if l.TemperingStep < 1 {
		return invalidf("tempering_step must be at least 1, got %d", l.TemperingStep)
	}
	if l.StartTemperature <= 0 || l.EndTemperature <= 0 {
		return invalidf("temperatures must be positive")
	}
	if l.GradientPenaltyForDis {
		act, err := layers.ParseActivation(c.Model.DActivationFn)
		if err != nil {
			return invalidf("d_activation_fn: %v", err)
		}
		if !act.PiecewiseLinear() {
			return invalidf("gradient penalty needs a piecewise-linear discriminator activation, got %s", act)
		}
		if l.GradientPenaltyLambda < 0 {
			return invalidf("gradient_penelty_lambda must not be negative")
		}
	}
	if l.WeightClippingForDis && l.WeightClippingBound <= 0 {
		return invalidf("weight_clipping_bound must be positive, got %g", l.WeightClippingBound)
	}
	return nil
}

func (c *Config) validateSampling() error {
	s := c.Sampling
	if !priors[s.Prior] {
		return invalidf("unknown prior %q", s.Prior)
	}
	if s.DiffAug {
		for _, tok := range strings.Split(s.DiffAugPolicy, ",") {
			if !diffAugTokens[strings.TrimSpace(tok)] {
				return invalidf("unknown diff_aug policy %q", tok)
			}
		}
	}
	if s.EMA {
		if s.EMADecay <= 0 || s.EMADecay >= 1 {
			return invalidf("ema_decay must be in (0, 1), got %g", s.EMADecay)
		}
		if s.EMAStart < 0 {
			return invalidf("ema_start must not be negative")
		}
	}
	if s.LatentOp {
		if s.LatentOpRate < 0 || s.LatentOpRate > 1 {
			return invalidf("latent_op_rate must be in [0, 1], got %g", s.LatentOpRate)
		}
		if s.LatentOpStep < 1 || s.LatentOpStep4Eval < 1 {
			return invalidf("latent_op steps must be at least 1")
		}
	}
	return nil
}

func (c *Config) validateTrain() error {
	t := c.Train
	if t.PrintEvery < 1 || t.SaveEvery < 1 {
		return invalidf("print_every and save_every must be at least 1")
	}
	if t.NRow < 1 || t.NCol < 1 {
		return invalidf("nrow and ncol must be at least 1")
	}
	if t.Eval || t.KNearestNeighbor || t.Interpolation || t.LinearEvaluation {
		if t.NumEval < 1 {
			return invalidf("num_eval must be positive")
		}
	}
	if t.Eval {
		if t.EvalSplits < 1 || t.EvalSplits > t.NumEval {
			return invalidf("eval_splits must be in [1, num_eval], got %d", t.EvalSplits)
		}
		if t.Extractor != "random_projection" {
			return invalidf("unknown feature extractor %q", t.Extractor)
		}
		if t.ExtractorDim < 1 {
			return invalidf("extractor_dim must be positive")
		}
	}
	if t.LinearEvaluation && t.StepLinearEval < 1 {
		return invalidf("step_linear_eval must be at least 1")
	}
	if t.CheckpointFolder != "" {
		info, err := os.Stat(t.CheckpointFolder)
		if err != nil || !info.IsDir() {
			return invalidf("checkpoint_folder %s does not exist", t.CheckpointFolder)
		}
	}
	return nil
}

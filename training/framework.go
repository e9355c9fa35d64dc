package training

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/async"
	"github.com/tsawler/go-gan/checkpoints"
	"github.com/tsawler/go-gan/config"
	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/metrics"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/optimizer"
	"github.com/tsawler/go-gan/vision/dataloader"
	"github.com/tsawler/go-gan/vision/dataset"
)

// extractorSeed fixes the reference extractor so cached moments stay valid
// across runs with different seeds.
const extractorSeed = 0

// FrameworkOptions are the process-level knobs that are not part of the
// configuration file.
type FrameworkOptions struct {
	// Console receives log lines besides the log file. Nil means os.Stdout.
	Console io.Writer
	// Progress receives progress bars. Nil silences them.
	Progress io.Writer
	// Now stamps the run name. Nil means time.Now.
	Now func() time.Time
}

// Result summarises a finished run.
type Result struct {
	Step          int
	Improved      bool
	ProbeAccuracy float64
	RunName       string
	CheckpointDir string
}

// TrainFramework validates cfg, builds every component it names and runs the
// enabled phases in order: training, evaluation, nearest neighbours,
// interpolation and linear classification.
func TrainFramework(ctx context.Context, cfg *config.Config, opts FrameworkOptions) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	run, err := NewRun(RunName(cfg.Framework(), "train", opts.Now()), RunOptions{
		LogDir:    cfg.LogDir,
		FigureDir: cfg.FigureDir,
		Console:   opts.Console,
	})
	if err != nil {
		return nil, err
	}
	defer run.Close()
	logger := run.Logger
	logger.Printf("Run name : %s", run.Name)
	LogHost(logger, cfg.NumWorkers)
	logger.Print(cfg.Summary())

	trainSrc, evalSrc, err := loadDatasets(cfg, rng)
	if err != nil {
		return nil, err
	}
	logger.Printf("Train dataset size : %d", trainSrc.Len())
	logger.Printf("Eval (%s) dataset size : %d", cfg.Type4EvalDataset, evalSrc.Len())

	logger.Print("Building model...")
	arch, err := models.Lookup(cfg.Model.Architecture)
	if err != nil {
		return nil, err
	}
	strategy, err := NewConditionalStrategy(cfg.Model.ConditionalStrategy, StrategyParams{
		Lambda:       cfg.LossFunction.ContrastiveLambda,
		Margin:       cfg.LossFunction.Margin,
		PosCollected: cfg.Model.PosCollectedNumerator,
		EmbedDim:     cfg.Model.HypersphereDim,
		Normalize:    cfg.Model.NormalizeEmbed,
	})
	if err != nil {
		return nil, err
	}
	mopts := modelOptions(cfg)
	strategy.Configure(&mopts)
	g, err := arch.NewGenerator(mopts, rng)
	if err != nil {
		return nil, errors.Wrap(err, "building generator")
	}
	d, err := arch.NewDiscriminator(mopts, rng)
	if err != nil {
		return nil, errors.Wrap(err, "building discriminator")
	}
	var ema *EMA
	if cfg.Sampling.EMA {
		logger.Printf("Preparing EMA for G with decay of %g", cfg.Sampling.EMADecay)
		if ema, err = NewEMA(g, g.Clone(), cfg.Sampling.EMADecay, cfg.Sampling.EMAStart); err != nil {
			return nil, err
		}
	}
	logger.Print(FormatArchitecture(g.Spec()))
	logger.Print(FormatArchitecture(d.Spec()))

	gOpt, err := optimizer.New(optimizerConfig(cfg, cfg.Optimization.GLR), g.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "generator optimizer")
	}
	dOpt, err := optimizer.New(optimizerConfig(cfg, cfg.Optimization.DLR), d.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "discriminator optimizer")
	}
	exec, err := NewExecutionStrategy(cfg.Devices)
	if err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(cfg.Train.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	resuming := cfg.Train.CheckpointFolder != ""
	ckptDir := cfg.Train.CheckpointFolder
	if !resuming {
		ckptDir = filepath.Join(cfg.CheckpointRoot, run.Name)
	}
	manager := NewCheckpointManager(checkpoints.NewStore(ckptDir, format), CheckpointTargets{
		Generator:     g,
		Discriminator: d,
		GOptimizer:    gOpt,
		DOptimizer:    dOpt,
		EMA:           ema,
	}, cfg.Seed, logger)
	run.CheckpointDir = ckptDir

	var state State
	if resuming {
		slot := checkpoints.SlotBest
		if cfg.LoadCurrent {
			slot = checkpoints.SlotCurrent
		}
		resumed, err := manager.Resume(slot)
		if err != nil {
			return nil, err
		}
		state = resumed.State
		if resumed.RunName != "" {
			if err := run.Rename(resumed.RunName); err != nil {
				return nil, err
			}
			logger = run.Logger
		}
		logger.Printf("Resumed %s checkpoints at step %d (best step %d)", slot, state.Step, state.BestStep)
	}

	train, err := NewDataLoader(trainSrc, DataLoaderConfig{
		BatchSize:  cfg.Optimization.BatchSize,
		Shuffle:    true,
		DropLast:   true,
		RandomFlip: cfg.Sampling.RandomFlipPreprocessing,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed + int64(state.Step),
	})
	if err != nil {
		return nil, errors.Wrap(err, "train loader")
	}
	evalLoader, err := NewDataLoader(evalSrc, DataLoaderConfig{
		BatchSize:  cfg.Optimization.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "eval loader")
	}

	var evaluator *EvaluationRunner
	needsEval := cfg.Train.Eval || cfg.Train.KNearestNeighbor || cfg.Train.Interpolation || cfg.Train.LinearEvaluation
	if needsEval {
		if evaluator, err = buildEvaluator(cfg, run, opts, evalDeps{
			g: g, d: d, ema: ema, exec: exec, eval: evalLoader, trainSrc: trainSrc, manager: manager,
		}, strategy); err != nil {
			return nil, err
		}
	}

	result := &Result{Step: state.Step, RunName: run.Name, CheckpointDir: ckptDir}
	if cfg.Train.Train {
		step, err := trainPhase(ctx, cfg, run, &state, trainerParts{
			g: g, d: d, gOpt: gOpt, dOpt: dOpt, ema: ema, strategy: strategy,
			exec: exec, train: train, manager: manager, evaluator: evaluator,
		})
		result.Step = step
		if err != nil {
			return result, err
		}
	}

	if cfg.Train.Eval {
		improved, err := evaluator.Evaluate(ctx, state.Step, &state)
		if err != nil {
			return result, err
		}
		result.Improved = improved
	}
	if cfg.Train.KNearestNeighbor {
		if _, err := evaluator.NearestNeighbor(ctx, cfg.Train.NRow, cfg.Train.NCol); err != nil {
			return result, errors.Wrap(err, "nearest neighbour")
		}
	}
	if cfg.Train.Interpolation {
		if g.Conditional() {
			if _, err := evaluator.LinearInterpolation(ctx, cfg.Train.NRow, cfg.Train.NCol, true, false); err != nil {
				return result, errors.Wrap(err, "interpolation")
			}
		} else {
			logger.Print("Skipping class interpolation for an unconditional generator")
		}
		if _, err := evaluator.LinearInterpolation(ctx, cfg.Train.NRow, cfg.Train.NCol, false, true); err != nil {
			return result, errors.Wrap(err, "interpolation")
		}
	}
	if cfg.Train.LinearEvaluation {
		acc, err := evaluator.LinearClassification(ctx, cfg.Train.StepLinearEval)
		if err != nil {
			return result, errors.Wrap(err, "linear classification")
		}
		result.ProbeAccuracy = acc
	}

	publishPlots(ctx, cfg, run)
	result.RunName = run.Name
	return result, nil
}

type trainerParts struct {
	g         models.Generator
	d         models.Discriminator
	gOpt      optimizer.Optimizer
	dOpt      optimizer.Optimizer
	ema       *EMA
	strategy  ConditionalStrategy
	exec      ExecutionStrategy
	train     *DataLoader
	manager   *CheckpointManager
	evaluator *EvaluationRunner
}

// trainPhase runs the Trainer from state.Step to total_step behind a
// prefetching loader and copies the final bookkeeping back into state.
func trainPhase(ctx context.Context, cfg *config.Config, run *Run, state *State, p trainerParts) (int, error) {
	loss, err := losses.Lookup(cfg.LossFunction.AdvLoss)
	if err != nil {
		return state.Step, err
	}
	var temperature *TemperatureScheduler
	if config.Contrastive(cfg.Model.ConditionalStrategy) {
		lf := cfg.LossFunction
		if temperature, err = NewTemperatureScheduler(lf.TemperingType, lf.StartTemperature, lf.EndTemperature, lf.TemperingStep, cfg.Optimization.TotalStep); err != nil {
			return state.Step, err
		}
	}
	var diffAug *Augmenter
	if cfg.Sampling.DiffAug {
		if diffAug, err = NewAugmenter(cfg.Sampling.DiffAugPolicy); err != nil {
			return state.Step, err
		}
	}

	loader, err := async.NewAsyncDataLoader(p.train, async.AsyncDataLoaderConfig{BatchSize: p.train.BatchSize(), PrefetchDepth: 2})
	if err != nil {
		return state.Step, err
	}
	if err := loader.Start(ctx); err != nil {
		return state.Step, err
	}
	defer loader.Stop()

	deps := Deps{
		Generator:     p.g,
		Discriminator: p.d,
		GOptimizer:    p.gOpt,
		DOptimizer:    p.dOpt,
		EMA:           p.ema,
		Loss:          loss,
		Strategy:      p.strategy,
		Temperature:   temperature,
		Exec:          p.exec,
		Batches:       loader,
		Logger:        run.Logger,
		Sink:          run.Sink,
	}
	if cfg.Train.SaveCheckpoints {
		deps.Checkpoints = p.manager
	}
	if p.evaluator != nil {
		deps.Evaluator = p.evaluator
	}

	s := cfg.Sampling
	tc := TrainerConfig{
		Seed:                  cfg.Seed,
		RunName:               run.Name,
		BatchSize:             cfg.Optimization.BatchSize,
		DStepsPerIter:         cfg.Optimization.DStepsPerIter,
		GStepsPerIter:         cfg.Optimization.GStepsPerIter,
		AccumulationSteps:     cfg.Optimization.AccumulationSteps,
		NumClasses:            cfg.Data.NumClasses,
		Prior:                 Prior{Kind: s.Prior},
		PrintEvery:            cfg.Train.PrintEvery,
		SaveEvery:             cfg.Train.SaveEvery,
		Evaluate:              cfg.Train.Eval,
		DiffAug:               diffAug,
		ConsistencyReg:        cfg.LossFunction.ConsistencyReg,
		ConsistencyLambda:     cfg.LossFunction.ConsistencyLambda,
		GradientPenalty:       cfg.LossFunction.GradientPenaltyForDis,
		GradientPenaltyLambda: cfg.LossFunction.GradientPenaltyLambda,
		WeightClipping:        cfg.LossFunction.WeightClippingForDis,
		WeightClippingBound:   cfg.LossFunction.WeightClippingBound,
		LatentNormRegWeight:   s.LatentNormRegWeight,
	}
	if s.LatentOp {
		tc.LatentOp = LatentOptimizer{Steps: s.LatentOpStep, Rate: s.LatentOpRate, Alpha: s.LatentOpAlpha, Beta: s.LatentOpBeta}
	}
	// Resumed runs reseed every stream from the step they continue at.
	tc.Seed += int64(state.Step)

	trainer, err := NewTrainer(tc, deps)
	if err != nil {
		return state.Step, err
	}
	trainer.SetState(*state)
	step, err := trainer.Run(ctx, state.Step, cfg.Optimization.TotalStep)
	*state = trainer.State()
	dSteps, gSteps := trainer.Counts()
	run.Logger.Printf("Training finished at step %d (%d D updates, %d G updates)", step, dSteps, gSteps)
	return step, err
}

type evalDeps struct {
	g        models.Generator
	d        models.Discriminator
	ema      *EMA
	exec     ExecutionStrategy
	eval     *DataLoader
	trainSrc dataset.Source
	manager  *CheckpointManager
}

func momentsKey(cfg *config.Config) MomentsKey {
	return MomentsKey{
		Dataset:    cfg.Data.DatasetName,
		Split:      cfg.Type4EvalDataset,
		ImgSize:    cfg.Data.ImgSize,
		Channels:   cfg.Data.Channels,
		FeatureDim: cfg.Train.ExtractorDim,
		Synthetic:  cfg.Data.Source == "gaussian",
		Seed:       cfg.Seed,
	}
}

func buildEvaluator(cfg *config.Config, run *Run, opts FrameworkOptions, p evalDeps, strategy ConditionalStrategy) (*EvaluationRunner, error) {
	shape := []int{cfg.Data.Channels, cfg.Data.ImgSize, cfg.Data.ImgSize}
	extractor, err := metrics.NewRandomProjection(shape, cfg.Train.ExtractorDim, cfg.Data.NumClasses, extractorSeed)
	if err != nil {
		return nil, err
	}
	path := ""
	if cfg.Train.SaveMoments {
		path = MomentsPath(cfg.MomentsDir, momentsKey(cfg))
	}
	moments := NewMomentCache(path, func(ctx context.Context) (*metrics.Moments, error) {
		run.Logger.Printf("Calculating reference statistics of the %s split", cfg.Type4EvalDataset)
		return PrepareMoments(ctx, p.exec, p.eval, extractor, cfg.Train.EvalSplits, opts.Progress)
	})

	deps := EvaluationDeps{
		Generator:     p.g,
		Discriminator: p.d,
		EMA:           p.ema,
		Extractor:     extractor,
		Moments:       moments,
		Exec:          p.exec,
		EvalData:      p.eval,
		Plots:         run.Plots,
		Logger:        run.Logger,
		Sink:          run.Sink,
		Progress:      opts.Progress,
	}
	if cfg.Train.SaveCheckpoints {
		deps.Checkpoints = p.manager
	}
	if cfg.Train.LinearEvaluation {
		if deps.ProbeData, err = NewDataLoader(p.trainSrc, DataLoaderConfig{
			BatchSize:  cfg.Optimization.BatchSize,
			Shuffle:    true,
			DropLast:   p.trainSrc.Len() >= cfg.Optimization.BatchSize,
			NumWorkers: cfg.NumWorkers,
			Seed:       cfg.Seed + 4,
		}); err != nil {
			return nil, errors.Wrap(err, "probe loader")
		}
	}

	s := cfg.Sampling
	ec := EvaluationConfig{
		Seed:          cfg.Seed,
		RunName:       run.Name,
		NumEval:       cfg.Train.NumEval,
		BatchSize:     cfg.Optimization.BatchSize,
		Splits:        cfg.Train.EvalSplits,
		NumClasses:    cfg.Data.NumClasses,
		FigureDir:     cfg.FigureDir,
		Prior:         Prior{Kind: s.Prior, Truncation: s.TruncatedFactor},
		EmbedFeatures: config.Contrastive(strategy.Name()),
		Probe:         optimizerConfig(cfg, cfg.Optimization.GLR),
	}
	if s.LatentOp {
		ec.LatentOp = LatentOptimizer{Steps: s.LatentOpStep4Eval, Rate: s.LatentOpRate, Alpha: s.LatentOpAlpha, Beta: s.LatentOpBeta}
	}
	return NewEvaluationRunner(ec, deps)
}

func modelOptions(cfg *config.Config) models.Options {
	m := cfg.Model
	return models.Options{
		ImgSize:       cfg.Data.ImgSize,
		Channels:      cfg.Data.Channels,
		NumClasses:    cfg.Data.NumClasses,
		ZDim:          m.ZDim,
		GHiddenDim:    m.GConvDim,
		DHiddenDim:    m.DConvDim,
		GActivation:   m.ActivationFn,
		DActivation:   m.DActivationFn,
		GInit:         m.GInit,
		DInit:         m.DInit,
		GSpectralNorm: m.GSpectralNorm,
		DSpectralNorm: m.DSpectralNorm,
	}
}

func optimizerConfig(cfg *config.Config, lr float64) optimizer.Config {
	o := cfg.Optimization
	c := optimizer.Config{
		Family:       o.Optimizer,
		LearningRate: float32(lr),
		Beta1:        float32(o.Beta1),
		Beta2:        float32(o.Beta2),
		Momentum:     float32(o.Momentum),
		Alpha:        float32(o.Alpha),
		Nesterov:     o.Nesterov,
	}
	if o.Optimizer == "Adam" {
		c.Epsilon = 1e-6
	}
	return c
}

// loadDatasets builds the train split, reduced by reduce_train_dataset, and
// the split named by type4eval_dataset.
func loadDatasets(cfg *config.Config, rng *rand.Rand) (dataset.Source, dataset.Source, error) {
	d := cfg.Data
	var train, eval dataset.Source
	var err error
	switch d.Source {
	case "gaussian":
		gc := dataset.GaussianConfig{
			Size:       d.SyntheticTrainSize,
			NumClasses: d.NumClasses,
			Channels:   d.Channels,
			ImgSize:    d.ImgSize,
			Seed:       cfg.Seed,
		}
		if train, err = dataset.NewGaussianDataset(gc); err != nil {
			return nil, nil, err
		}
		if cfg.Type4EvalDataset == "train" {
			eval = train
		} else {
			gc.Size, gc.Seed = d.SyntheticEvalSize, cfg.Seed+1
			if eval, err = dataset.NewGaussianDataset(gc); err != nil {
				return nil, nil, err
			}
		}
	case "folder":
		if train, err = folderSource(filepath.Join(d.DataPath, "train"), d); err != nil {
			return nil, nil, err
		}
		if eval, err = folderSource(filepath.Join(d.DataPath, cfg.Type4EvalDataset), d); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, errors.Errorf("unknown data source %q", d.Source)
	}
	if train.NumClasses() != d.NumClasses {
		return nil, nil, errors.Errorf("dataset has %d classes, configuration says %d", train.NumClasses(), d.NumClasses)
	}
	if eval.NumClasses() != train.NumClasses() {
		return nil, nil, errors.Errorf("%s split has %d classes, train split has %d", cfg.Type4EvalDataset, eval.NumClasses(), train.NumClasses())
	}
	if train, err = dataset.RandomSubset(train, cfg.ReduceTrainDataset, rng); err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

func folderSource(root string, d config.DataConfig) (dataset.Source, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, errors.Wrapf(err, "dataset split %s", root)
	}
	folder, err := dataset.NewImageFolderDataset(root, nil)
	if err != nil {
		return nil, err
	}
	return dataloader.NewImageSource(folder, dataloader.Config{ImageSize: d.ImgSize, Channels: d.Channels})
}

// publishPlots writes the collected plots next to the figures and, when a
// plotting service is configured, uploads them. Upload failures are logged.
func publishPlots(ctx context.Context, cfg *config.Config, run *Run) {
	paths, err := run.Plots.WritePlots(run.FigureDir)
	if err != nil {
		run.Logger.Printf("Writing plots failed: %v", err)
	}
	for _, p := range paths {
		run.Logger.Printf("Saved plot: %s", p)
	}
	if cfg.Train.PlotServiceURL == "" {
		return
	}
	svc := NewPlottingService(DefaultPlottingServiceConfig(cfg.Train.PlotServiceURL))
	resp, err := svc.BatchSendPlots(ctx, run.Plots.Plots())
	if err != nil {
		run.Logger.Printf("Uploading plots failed: %v", err)
		return
	}
	run.Logger.Printf("Uploaded %d plots: %s", len(resp.Results), resp.DashboardURL)
}

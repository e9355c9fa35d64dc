package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/metrics"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/optimizer"
	"github.com/tsawler/go-gan/tensor"
	"github.com/tsawler/go-gan/vision/preprocessing"
)

// EvaluationConfig controls sample counts and artefact locations.
type EvaluationConfig struct {
	Seed       int64
	RunName    string
	NumEval    int
	BatchSize  int
	Splits     int
	NumClasses int
	// FigureDir receives image grids.
	FigureDir string
	// Prior and LatentOp shape the latents used for evaluation samples.
	Prior    Prior
	LatentOp LatentOptimizer
	// EmbedFeatures probes the embedding head instead of the penultimate
	// features.
	EmbedFeatures bool
	// Probe trains the linear classifier.
	Probe optimizer.Config
}

// EvaluationDeps are the models and data the runner reads.
type EvaluationDeps struct {
	Generator     models.Generator
	Discriminator models.Discriminator
	// EMA, when set, supplies the generator that is evaluated.
	EMA       *EMA
	Extractor metrics.FeatureExtractor
	Moments   *MomentCache
	Exec      ExecutionStrategy
	// EvalData is the real evaluation split.
	EvalData *DataLoader
	// ProbeData trains the linear probe.
	ProbeData   *DataLoader
	Checkpoints *CheckpointManager
	Plots       *VisualizationCollector

	Logger   *log.Logger
	Sink     Sink
	Progress io.Writer
}

// EvaluationRunner computes FID/IS against cached reference statistics and
// produces the diagnostic artefacts of a run.
type EvaluationRunner struct {
	config EvaluationConfig
	deps   EvaluationDeps
	rng    *rand.Rand
}

// NewEvaluationRunner checks its collaborators.
func NewEvaluationRunner(config EvaluationConfig, deps EvaluationDeps) (*EvaluationRunner, error) {
	if deps.Generator == nil || deps.Discriminator == nil {
		return nil, errors.New("evaluation needs a generator and a discriminator")
	}
	if config.BatchSize < 1 {
		return nil, errors.Errorf("evaluation batch size must be positive, got %d", config.BatchSize)
	}
	if deps.Exec == nil {
		deps.Exec = SingleDevice{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Sink == nil {
		deps.Sink = Discard
	}
	return &EvaluationRunner{
		config: config,
		deps:   deps,
		rng:    rand.New(rand.NewSource(config.Seed + 3)),
	}, nil
}

// generator returns the EMA shadow when one is configured.
func (e *EvaluationRunner) generator() models.Generator {
	if e.deps.EMA != nil {
		return e.deps.EMA.Shadow()
	}
	return e.deps.Generator
}

func (e *EvaluationRunner) sampler() *Sampler {
	return &Sampler{
		Generator:     e.generator(),
		Discriminator: e.deps.Discriminator,
		Exec:          e.deps.Exec,
		Prior:         e.config.Prior,
		NumClasses:    e.config.NumClasses,
		LatentOp:      e.config.LatentOp,
		Rng:           e.rng,
	}
}

// Evaluate generates NumEval samples, scores them against the reference
// statistics and records an improvement of the FID in state.
func (e *EvaluationRunner) Evaluate(ctx context.Context, step int, state *State) (bool, error) {
	if e.deps.Extractor == nil || e.deps.Moments == nil {
		return false, errors.New("evaluation needs a feature extractor and reference statistics")
	}
	ref, err := e.deps.Moments.Get(ctx)
	if err != nil {
		return false, errors.Wrap(err, "reference statistics")
	}
	fake, err := NewFakeBatches(e.sampler(), e.config.NumEval, e.config.BatchSize)
	if err != nil {
		return false, err
	}
	m, err := PrepareMoments(ctx, e.deps.Exec, fake, e.deps.Extractor, e.config.Splits, e.deps.Progress)
	if err != nil {
		return false, errors.Wrap(err, "generated statistics")
	}
	fid, err := metrics.FID(m, ref)
	if err != nil {
		return false, err
	}

	improved := state.Observe(step, fid)
	e.deps.Logger.Printf("FID score (Step: %d, Using %s): %.4f", step, e.deps.Extractor.Name(), fid)
	e.deps.Logger.Printf("Inception score (Step: %d, %d generated images): %.4f +- %.4f", step, e.config.NumEval, m.IS, m.ISStd)
	e.deps.Logger.Printf("Best FID score (Step: %d): %.4f", state.BestStep, *state.BestScore)

	values := map[string]float64{"fid": fid, "is": m.IS, "is_std": m.ISStd}
	if err := e.deps.Sink.AddScalars(GroupEvaluation, values, step); err != nil {
		return improved, errors.Wrap(err, "writing evaluation scores")
	}
	return improved, nil
}

// realPool reads one pass of the evaluation split with extractor features.
func (e *EvaluationRunner) realPool() (*tensor.Tensor, *tensor.Tensor, error) {
	if e.deps.EvalData == nil {
		return nil, nil, errors.New("no evaluation data")
	}
	if err := e.deps.EvalData.Reset(); err != nil {
		return nil, nil, err
	}
	var images, feats []*tensor.Tensor
	for {
		b, err := e.deps.EvalData.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		f, _, err := extractFeatures(e.deps.Exec, e.deps.Extractor, b.Images)
		if err != nil {
			return nil, nil, err
		}
		images = append(images, b.Images)
		feats = append(feats, f)
	}
	img, err := tensor.ConcatRows(images...)
	if err != nil {
		return nil, nil, err
	}
	f, err := tensor.ConcatRows(feats...)
	return img, f, err
}

func (e *EvaluationRunner) figurePath(name string) (string, error) {
	dir := filepath.Join(e.config.FigureDir, e.config.RunName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create figure directory %s", dir)
	}
	return filepath.Join(dir, name), nil
}

func (e *EvaluationRunner) saveGrid(name string, rows [][]float32, nrow, ncol int) (string, error) {
	path, err := e.figurePath(name)
	if err != nil {
		return "", err
	}
	shape := e.generator().ImageShape()
	if err := preprocessing.SaveGrid(path, rows, nrow, ncol, shape[0], shape[1], shape[2]); err != nil {
		return "", err
	}
	e.deps.Logger.Printf("Saved image grid: %s", path)
	return path, nil
}

// NearestNeighbor renders, for rows generated anchors, the anchor followed by
// its cols-1 nearest real evaluation images in extractor feature space. A
// conditional generator gets one grid per class.
func (e *EvaluationRunner) NearestNeighbor(ctx context.Context, rows, cols int) ([]string, error) {
	if rows < 1 || cols < 2 {
		return nil, errors.Errorf("nearest neighbour grid needs rows >= 1 and cols >= 2, got %dx%d", rows, cols)
	}
	if e.deps.Extractor == nil {
		return nil, errors.New("nearest neighbour search needs a feature extractor")
	}
	realImages, realFeats, err := e.realPool()
	if err != nil {
		return nil, errors.Wrap(err, "nearest neighbour pool")
	}

	g := e.generator()
	classes := []int{-1}
	if g.Conditional() {
		classes = classes[:0]
		for c := 0; c < e.config.NumClasses; c++ {
			classes = append(classes, c)
		}
	}

	var paths []string
	for _, c := range classes {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		s := e.sampler()
		s.Generator = g
		s.LatentOp = LatentOptimizer{}
		var anchors *tensor.Tensor
		if c < 0 {
			anchors, _, err = s.Sample(rows)
		} else {
			anchors, err = e.generateClass(g, rows, c)
		}
		if err != nil {
			return paths, err
		}
		q, _, err := extractFeatures(e.deps.Exec, e.deps.Extractor, anchors)
		if err != nil {
			return paths, err
		}
		nn, err := metrics.NearestNeighbors(q, realFeats, cols-1)
		if err != nil {
			return paths, err
		}
		grid := make([][]float32, 0, rows*cols)
		for i, idx := range nn {
			grid = append(grid, anchors.Row(i))
			for _, j := range idx {
				grid = append(grid, realImages.Row(j))
			}
		}
		name := "nearest_neighbor.png"
		if c >= 0 {
			name = fmt.Sprintf("nearest_neighbor_class%d.png", c)
		}
		path, err := e.saveGrid(name, grid, rows, cols)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (e *EvaluationRunner) generateClass(g models.Generator, n, class int) (*tensor.Tensor, error) {
	z, err := e.config.Prior.Latents(e.rng, n, g.ZDim())
	if err != nil {
		return nil, err
	}
	labels := make([]int, n)
	for i := range labels {
		labels[i] = class
	}
	img, _, err := generatorForward(e.deps.Exec, g, z, labels)
	return img, err
}

// LinearInterpolation renders rows of cols images. With fixZ each row keeps
// one latent and interpolates between two class embeddings; with fixY each
// row keeps one class and interpolates between two latents.
func (e *EvaluationRunner) LinearInterpolation(ctx context.Context, rows, cols int, fixZ, fixY bool) (string, error) {
	if fixZ == fixY {
		return "", errors.New("interpolation fixes exactly one of the latent and the label")
	}
	if rows < 1 || cols < 2 {
		return "", errors.Errorf("interpolation grid needs rows >= 1 and cols >= 2, got %dx%d", rows, cols)
	}
	g := e.generator()
	if fixZ && !g.Conditional() {
		return "", errors.New("interpolating class embeddings needs a conditional generator")
	}
	k := e.config.NumClasses

	grid := make([][]float32, 0, rows*cols)
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var z, shared *tensor.Tensor
		var err error
		if fixZ {
			z0, err := e.config.Prior.Latents(e.rng, 1, g.ZDim())
			if err != nil {
				return "", err
			}
			idx := make([]int, cols)
			z = z0.Gather(idx)
			ends, err := g.Shared([]int{e.rng.Intn(k), e.rng.Intn(k)})
			if err != nil {
				return "", err
			}
			shared, err = interpolateRows(ends.SliceRows(0, 1), ends.SliceRows(1, 2), cols)
			if err != nil {
				return "", err
			}
		} else {
			ends, err := e.config.Prior.Latents(e.rng, 2, g.ZDim())
			if err != nil {
				return "", err
			}
			if z, err = interpolateRows(ends.SliceRows(0, 1), ends.SliceRows(1, 2), cols); err != nil {
				return "", err
			}
			labels := make([]int, cols)
			y := sampleLabels(e.rng, 1, k)[0]
			for i := range labels {
				labels[i] = y
			}
			if shared, err = g.Shared(labels); err != nil {
				return "", err
			}
		}
		img, err := g.Generate(z, shared)
		if err != nil {
			return "", err
		}
		for i := 0; i < img.Rows(); i++ {
			grid = append(grid, img.Row(i))
		}
	}
	name := "interpolated_fix_z.png"
	if fixY {
		name = "interpolated_fix_y.png"
	}
	return e.saveGrid(name, grid, rows, cols)
}

// interpolateRows returns steps rows linearly spaced from a to b inclusive.
func interpolateRows(a, b *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, steps)
	for i := range parts {
		w := float32(i) / float32(steps-1)
		p, err := tensor.Lerp(a, b, w)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return tensor.ConcatRows(parts...)
}

// probeFeatures runs the frozen discriminator and returns the representation
// the probe is trained on.
func (e *EvaluationRunner) probeFeatures(images *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	out, _, err := discriminatorForward(e.deps.Exec, e.deps.Discriminator, images, labels)
	if err != nil {
		return nil, err
	}
	if e.config.EmbedFeatures {
		if out.Embed == nil {
			return nil, errors.New("discriminator has no embedding head to probe")
		}
		return out.Embed, nil
	}
	return out.Features, nil
}

// LinearClassification trains a linear probe for steps on frozen
// discriminator features and returns its accuracy on the evaluation split.
func (e *EvaluationRunner) LinearClassification(ctx context.Context, steps int) (float64, error) {
	if e.deps.ProbeData == nil || e.deps.EvalData == nil {
		return 0, errors.New("linear classification needs training and evaluation data")
	}
	if steps < 1 {
		return 0, errors.Errorf("probe steps must be positive, got %d", steps)
	}
	d := e.deps.Discriminator
	dim := d.FeatureDim()
	if e.config.EmbedFeatures {
		dim = d.EmbedDim()
	}
	probe, err := models.NewLinearClassifier(dim, e.config.NumClasses, e.rng)
	if err != nil {
		return 0, err
	}
	opt, err := optimizer.New(e.config.Probe, probe.Parameters())
	if err != nil {
		return 0, errors.Wrap(err, "probe optimizer")
	}

	bar := NewProgressBar(e.deps.Progress, "Linear probe", steps)
	var loss, acc float64
	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := e.deps.ProbeData.GetBatch(e.deps.ProbeData.BatchSize())
		if err != nil {
			return 0, err
		}
		feats, err := e.probeFeatures(b.Images, b.Labels)
		if err != nil {
			return 0, err
		}
		logits, cache, err := probe.Forward(feats)
		if err != nil {
			return 0, err
		}
		var grad *tensor.Tensor
		if loss, grad, err = losses.CrossEntropy(logits, b.Labels); err != nil {
			return 0, err
		}
		acc = losses.Accuracy(logits, b.Labels)
		opt.ZeroGrad()
		grads, err := probe.Backward(cache, grad)
		if err != nil {
			return 0, err
		}
		grads.Apply(probe.Parameters())
		if err := opt.Step(); err != nil {
			return 0, err
		}
		bar.Update(step, map[string]float64{"loss": loss, "acc": acc})
	}
	bar.Finish()
	e.deps.Logger.Printf("Linear probe: train loss %.4f, train accuracy %.2f%%", loss, acc*100)

	cm := metrics.NewConfusionMatrix(e.config.NumClasses)
	if err := e.deps.EvalData.Reset(); err != nil {
		return 0, err
	}
	for {
		b, err := e.deps.EvalData.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		feats, err := e.probeFeatures(b.Images, b.Labels)
		if err != nil {
			return 0, err
		}
		logits, _, err := probe.Forward(feats)
		if err != nil {
			return 0, err
		}
		if err := cm.Update(logits, b.Labels); err != nil {
			return 0, err
		}
	}
	top1 := cm.GetMetric(metrics.Accuracy)
	e.deps.Logger.Printf("Linear probe: eval accuracy %.2f%% over %d images", top1*100, cm.TotalSamples)

	if err := e.deps.Sink.AddScalars(GroupProbe, map[string]float64{
		"train_loss":    loss,
		"eval_accuracy": top1,
		"macro_f1":      cm.GetMetric(metrics.MacroF1),
	}, steps); err != nil {
		return top1, err
	}
	if e.deps.Plots != nil {
		names := make([]string, e.config.NumClasses)
		for i := range names {
			names[i] = fmt.Sprintf("class_%d", i)
		}
		e.deps.Plots.RecordConfusionMatrix(cm.Matrix, names)
	}
	if e.deps.Checkpoints != nil {
		if _, err := e.deps.Checkpoints.SaveProbe(probe, opt, steps, e.config.RunName); err != nil {
			return top1, err
		}
	}
	return top1, nil
}

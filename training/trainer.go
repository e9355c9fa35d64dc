package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/async"
	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/optimizer"
	"github.com/tsawler/go-gan/tensor"
)

// TrainerConfig holds the hyperparameters of the training loop.
type TrainerConfig struct {
	Seed    int64
	RunName string

	BatchSize         int
	DStepsPerIter     int
	GStepsPerIter     int
	AccumulationSteps int
	NumClasses        int
	Prior             Prior

	PrintEvery int // log losses every N steps
	SaveEvery  int // checkpoint (and evaluate) every N steps
	// Evaluate runs the evaluator at every checkpoint gate.
	Evaluate bool

	// DiffAug augments every batch D sees. Nil disables it.
	DiffAug *Augmenter

	ConsistencyReg        bool
	ConsistencyLambda     float64
	GradientPenalty       bool
	GradientPenaltyLambda float64
	WeightClipping        bool
	WeightClippingBound   float64

	// LatentOp refines latents before generation when Steps > 0.
	LatentOp            LatentOptimizer
	LatentNormRegWeight float64
}

// BatchSource yields training batches. The consumer blocks until one is ready.
type BatchSource interface {
	GetBatch(ctx context.Context) (*async.Batch, error)
}

// Evaluator scores the generator at a checkpoint gate and records an
// improvement in state.
type Evaluator interface {
	Evaluate(ctx context.Context, step int, state *State) (bool, error)
}

// Deps are the collaborators the Trainer drives. EMA, Checkpoints,
// Evaluator, Temperature, Logger and Sink are optional.
type Deps struct {
	Generator     models.Generator
	Discriminator models.Discriminator
	GOptimizer    optimizer.Optimizer
	DOptimizer    optimizer.Optimizer
	EMA           *EMA

	Loss        losses.Family
	Strategy    ConditionalStrategy
	Temperature *TemperatureScheduler
	Exec        ExecutionStrategy
	Batches     BatchSource

	Checkpoints *CheckpointManager
	Evaluator   Evaluator

	Logger *log.Logger
	Sink   Sink
}

// State is the bookkeeping the Trainer owns and checkpoints carry.
type State struct {
	Step          int
	BestStep      int
	BestScore     *float64
	BestScorePath string
}

// Observe records score at step. Lower scores are better. It reports
// whether score improves on the best so far.
func (s *State) Observe(step int, score float64) bool {
	if s.BestScore != nil && score >= *s.BestScore {
		return false
	}
	v := score
	s.BestScore = &v
	s.BestStep = step
	return true
}

// StepLosses are the loss terms of the most recent iteration, averaged over
// accumulation micro-batches and over repeated D and G steps.
type StepLosses struct {
	D               float64
	G               float64
	DStrategy       float64
	GStrategy       float64
	Consistency     float64
	GradientPenalty float64
	TransportCost   float64
}

// Values returns the terms keyed for the metrics sink.
func (l StepLosses) Values() map[string]float64 {
	return map[string]float64{
		"d_loss":           l.D,
		"g_loss":           l.G,
		"d_strategy":       l.DStrategy,
		"g_strategy":       l.GStrategy,
		"consistency":      l.Consistency,
		"gradient_penalty": l.GradientPenalty,
		"transport_cost":   l.TransportCost,
	}
}

// Trainer alternates discriminator and generator updates until a target
// step.
type Trainer struct {
	config TrainerConfig
	deps   Deps
	state  State

	rng       *rand.Rand // latents and labels
	augRng    *rand.Rand
	latentRng *rand.Rand
	ntAug     *Augmenter
	crAug     *Augmenter

	last   StepLosses
	dSteps int
	gSteps int
}

// NewTrainer checks the configuration against its collaborators.
func NewTrainer(config TrainerConfig, deps Deps) (*Trainer, error) {
	if deps.Generator == nil || deps.Discriminator == nil {
		return nil, errors.New("trainer needs a generator and a discriminator")
	}
	if deps.GOptimizer == nil || deps.DOptimizer == nil {
		return nil, errors.New("trainer needs both optimizers")
	}
	if deps.Loss == nil {
		return nil, errors.New("trainer needs an adversarial loss")
	}
	if deps.Batches == nil {
		return nil, errors.New("trainer needs a batch source")
	}
	if config.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.DStepsPerIter < 1 || config.GStepsPerIter < 1 || config.AccumulationSteps < 1 {
		return nil, errors.Errorf("steps per iteration and accumulation steps must be positive, got d=%d g=%d acc=%d",
			config.DStepsPerIter, config.GStepsPerIter, config.AccumulationSteps)
	}
	if config.PrintEvery < 1 || config.SaveEvery < 1 {
		return nil, errors.Errorf("print_every and save_every must be positive, got %d and %d", config.PrintEvery, config.SaveEvery)
	}
	if config.GradientPenalty {
		if _, ok := deps.Discriminator.(models.GradientPenalizer); !ok {
			return nil, errors.New("gradient penalty needs a discriminator that exposes input-gradient norms")
		}
	}
	if config.WeightClipping && config.WeightClippingBound <= 0 {
		return nil, errors.Errorf("weight clipping bound must be positive, got %g", config.WeightClippingBound)
	}
	if deps.Strategy == nil {
		deps.Strategy = noStrategy{}
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

	t := &Trainer{
		config:    config,
		deps:      deps,
		rng:       rand.New(rand.NewSource(config.Seed)),
		augRng:    rand.New(rand.NewSource(config.Seed + 1)),
		latentRng: rand.New(rand.NewSource(config.Seed + 2)),
	}
	var err error
	if deps.Strategy.AugmentedView() {
		if t.ntAug, err = NewAugmenter(NTXentPolicy); err != nil {
			return nil, err
		}
	}
	if config.ConsistencyReg {
		if t.crAug, err = NewAugmenter("flip,translation"); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// State returns the current bookkeeping.
func (t *Trainer) State() State { return t.state }

// SetState replaces the bookkeeping, used after a resume.
func (t *Trainer) SetState(s State) { t.state = s }

// SetRunName changes the name written into checkpoints.
func (t *Trainer) SetRunName(name string) { t.config.RunName = name }

// LastLosses returns the losses of the most recent iteration.
func (t *Trainer) LastLosses() StepLosses { return t.last }

// Counts returns how many discriminator and generator updates were applied.
func (t *Trainer) Counts() (dSteps, gSteps int) { return t.dSteps, t.gSteps }

func (t *Trainer) temperature() float64 {
	if t.deps.Temperature == nil {
		return 1
	}
	return t.deps.Temperature.At(t.state.Step)
}

func (t *Trainer) powerIterate() {
	for _, m := range []interface{}{t.deps.Generator, t.deps.Discriminator} {
		if pi, ok := m.(models.PowerIterator); ok {
			pi.PowerIterate()
		}
	}
}

// Run trains from currentStep until totalStep and returns the final step.
func (t *Trainer) Run(ctx context.Context, currentStep, totalStep int) (int, error) {
	t.state.Step = currentStep
	start := time.Now()
	t.deps.Logger.Printf("Start training from step %d to %d", currentStep, totalStep)

	for t.state.Step < totalStep {
		if err := ctx.Err(); err != nil {
			return t.state.Step, err
		}

		var l StepLosses
		for i := 0; i < t.config.DStepsPerIter; i++ {
			dl, err := t.discriminatorStep(ctx)
			if err != nil {
				return t.state.Step, errors.Wrapf(err, "step %d: discriminator update", t.state.Step)
			}
			l.D += dl.D / float64(t.config.DStepsPerIter)
			l.DStrategy += dl.DStrategy / float64(t.config.DStepsPerIter)
			l.Consistency += dl.Consistency / float64(t.config.DStepsPerIter)
			l.GradientPenalty += dl.GradientPenalty / float64(t.config.DStepsPerIter)
		}
		for i := 0; i < t.config.GStepsPerIter; i++ {
			gl, err := t.generatorStep()
			if err != nil {
				return t.state.Step, errors.Wrapf(err, "step %d: generator update", t.state.Step)
			}
			l.G += gl.G / float64(t.config.GStepsPerIter)
			l.GStrategy += gl.GStrategy / float64(t.config.GStepsPerIter)
			l.TransportCost += gl.TransportCost / float64(t.config.GStepsPerIter)
		}
		t.last = l
		t.state.Step++
		step := t.state.Step

		if step%t.config.PrintEvery == 0 {
			if err := t.report(step, totalStep, l, time.Since(start)); err != nil {
				return step, err
			}
		}
		if step%t.config.SaveEvery == 0 || step == totalStep {
			if err := t.checkpointGate(ctx, step); err != nil {
				return step, err
			}
		}
	}
	return t.state.Step, nil
}

func (t *Trainer) checkpointGate(ctx context.Context, step int) error {
	improved := false
	if t.config.Evaluate && t.deps.Evaluator != nil {
		var err error
		if improved, err = t.deps.Evaluator.Evaluate(ctx, step, &t.state); err != nil {
			return errors.Wrapf(err, "step %d: evaluation", step)
		}
	}
	if t.deps.Checkpoints == nil {
		return nil
	}
	if improved {
		t.state.BestScorePath = t.deps.Checkpoints.Dir()
	}
	if err := t.deps.Checkpoints.Save(t.state, t.config.RunName, improved); err != nil {
		return errors.Wrapf(err, "step %d: checkpoint", step)
	}
	return nil
}

func (t *Trainer) report(step, total int, l StepLosses, elapsed time.Duration) error {
	dLR := t.deps.DOptimizer.LearningRate()
	gLR := t.deps.GOptimizer.LearningRate()
	line := fmt.Sprintf("Step: %6d/%d | Elapsed: %s | D_lr: %.2e | G_lr: %.2e | D loss: %.4f | G loss: %.4f",
		step, total, elapsed.Round(time.Second), dLR, gLR, l.D, l.G)
	if t.deps.Temperature != nil {
		line += fmt.Sprintf(" | T: %.3f", t.temperature())
	}
	t.deps.Logger.Print(line)

	if err := t.deps.Sink.AddScalars(GroupLosses, l.Values(), step); err != nil {
		return errors.Wrap(err, "writing losses")
	}
	schedules := map[string]float64{"d_lr": float64(dLR), "g_lr": float64(gLR)}
	if t.deps.Temperature != nil {
		schedules["temperature"] = t.temperature()
	}
	if err := t.deps.Sink.AddScalars(GroupLearningRates, schedules, step); err != nil {
		return errors.Wrap(err, "writing learning rates")
	}

	norms := map[string]float64{}
	for prefix, m := range map[string]interface{}{"G": t.deps.Generator, "D": t.deps.Discriminator} {
		if pi, ok := m.(models.PowerIterator); ok {
			for name, sigma := range pi.SpectralNorms() {
				norms[prefix+"/"+name] = sigma
			}
		}
	}
	if len(norms) > 0 {
		if err := t.deps.Sink.AddScalars(GroupSpectralNorms, norms, step); err != nil {
			return errors.Wrap(err, "writing spectral norms")
		}
	}
	return nil
}

// discriminatorStep runs one D update over AccumulationSteps micro-batches.
func (t *Trainer) discriminatorStep(ctx context.Context) (StepLosses, error) {
	t.powerIterate()
	d := t.deps.Discriminator
	t.deps.DOptimizer.ZeroGrad()

	acc := t.config.AccumulationSteps
	var total StepLosses
	for a := 0; a < acc; a++ {
		l, grads, err := t.discriminatorMicroBatch(ctx)
		if err != nil {
			return total, err
		}
		grads.Scale(1 / float32(acc))
		grads.Apply(d.Parameters())
		total.D += l.D / float64(acc)
		total.DStrategy += l.DStrategy / float64(acc)
		total.Consistency += l.Consistency / float64(acc)
		total.GradientPenalty += l.GradientPenalty / float64(acc)
	}
	if err := t.deps.DOptimizer.Step(); err != nil {
		return total, errors.Wrap(err, "discriminator optimizer")
	}
	if t.config.WeightClipping {
		losses.ClipParams(d.Parameters(), float32(t.config.WeightClippingBound))
	}
	t.dSteps++
	return total, nil
}

func (t *Trainer) discriminatorMicroBatch(ctx context.Context) (StepLosses, layers.Gradients, error) {
	var l StepLosses
	exec, g, d := t.deps.Exec, t.deps.Generator, t.deps.Discriminator

	batch, err := t.deps.Batches.GetBatch(ctx)
	if err != nil {
		return l, nil, errors.Wrap(err, "fetching batch")
	}
	real, realLabels := batch.Images, batch.Labels
	n := real.Rows()

	z, err := t.config.Prior.Latents(t.rng, n, g.ZDim())
	if err != nil {
		return l, nil, err
	}
	fakeLabels := sampleLabels(t.rng, n, t.config.NumClasses)
	if t.config.LatentOp.Steps > 0 {
		res, err := t.config.LatentOp.Optimise(exec, g, d, z, fakeLabels, t.latentRng)
		if err != nil {
			return l, nil, err
		}
		z = res.Z
	}
	fake, _, err := generatorForward(exec, g, z, fakeLabels)
	if err != nil {
		return l, nil, err
	}

	realIn, fakeIn := real, fake
	if t.config.DiffAug != nil {
		if realIn, _, err = t.config.DiffAug.Apply(real, t.augRng); err != nil {
			return l, nil, err
		}
		if fakeIn, _, err = t.config.DiffAug.Apply(fake, t.augRng); err != nil {
			return l, nil, err
		}
	}

	outR, shR, err := discriminatorForward(exec, d, realIn, realLabels)
	if err != nil {
		return l, nil, err
	}
	outF, shF, err := discriminatorForward(exec, d, fakeIn, fakeLabels)
	if err != nil {
		return l, nil, err
	}

	adv, gR, gF := t.deps.Loss.Discriminator(scoreValues(outR.Score), scoreValues(outF.Score))
	gradR := models.OutputGrad{Score: scoreTensor(gR)}
	gradF := models.OutputGrad{Score: scoreTensor(gF)}
	grads := layers.Gradients{}
	temp := t.temperature()

	inR := StrategyInput{Out: outR, Labels: realLabels}
	var shView []shardState
	if t.ntAug != nil {
		view, _, err := t.ntAug.Apply(realIn, t.augRng)
		if err != nil {
			return l, nil, err
		}
		if inR.Aug, shView, err = discriminatorForward(exec, d, view, realLabels); err != nil {
			return l, nil, err
		}
	}
	sR, sgR, err := t.deps.Strategy.Loss(PhaseDReal, inR, temp)
	if err != nil {
		return l, nil, err
	}
	sF, sgF, err := t.deps.Strategy.Loss(PhaseDFake, StrategyInput{Out: outF, Labels: fakeLabels}, temp)
	if err != nil {
		return l, nil, err
	}
	if gradR, err = addOutputGrad(gradR, sgR.Out); err != nil {
		return l, nil, err
	}
	if gradF, err = addOutputGrad(gradF, sgF.Out); err != nil {
		return l, nil, err
	}
	if shView != nil {
		_, gv, err := discriminatorBackward(exec, d, shView, sgR.Aug, n)
		if err != nil {
			return l, nil, err
		}
		grads.Merge(gv)
	}
	l.DStrategy = sR + sF

	if t.crAug != nil {
		view, _, err := t.crAug.Apply(real, t.augRng)
		if err != nil {
			return l, nil, err
		}
		outC, shC, err := discriminatorForward(exec, d, view, realLabels)
		if err != nil {
			return l, nil, err
		}
		cr, ga, gb, err := losses.Consistency(scoreValues(outR.Score), scoreValues(outC.Score))
		if err != nil {
			return l, nil, err
		}
		lambda := t.config.ConsistencyLambda
		if gradR.Score, err = addTensor(gradR.Score, scaled(scoreTensor(ga), lambda)); err != nil {
			return l, nil, err
		}
		_, gc, err := discriminatorBackward(exec, d, shC, models.OutputGrad{Score: scaled(scoreTensor(gb), lambda)}, n)
		if err != nil {
			return l, nil, err
		}
		grads.Merge(gc)
		l.Consistency = lambda * cr
	}

	_, gr, err := discriminatorBackward(exec, d, shR, gradR, n)
	if err != nil {
		return l, nil, err
	}
	grads.Merge(gr)
	_, gf, err := discriminatorBackward(exec, d, shF, gradF, n)
	if err != nil {
		return l, nil, err
	}
	grads.Merge(gf)

	if t.config.GradientPenalty {
		pen, gp, err := t.gradientPenalty(real, fake, realLabels)
		if err != nil {
			return l, nil, err
		}
		grads.Merge(gp)
		l.GradientPenalty = pen
	}

	l.D = adv + l.DStrategy + l.Consistency + l.GradientPenalty
	return l, grads, nil
}

// gradientPenalty evaluates lambda * mean((||grad D(x)|| - 1)^2) at random
// interpolates between real and fake images.
func (t *Trainer) gradientPenalty(real, fake *tensor.Tensor, labels []int) (float64, layers.Gradients, error) {
	gp := t.deps.Discriminator.(models.GradientPenalizer)
	n := real.Rows()
	mixed := tensor.Zeros(real.Shape...)
	for i := 0; i < n; i++ {
		alpha := t.rng.Float32()
		r, f, m := real.Row(i), fake.Row(i), mixed.Row(i)
		for j := range m {
			m[j] = alpha*r[j] + (1-alpha)*f[j]
		}
	}
	norms, backward, err := gp.InputGradNorms(mixed, labels)
	if err != nil {
		return 0, nil, err
	}
	pen, weights := losses.GradientPenalty(norms)
	lambda := t.config.GradientPenaltyLambda
	for i := range weights {
		weights[i] *= lambda
	}
	return lambda * pen, backward(weights), nil
}

// generatorStep runs one G update over AccumulationSteps micro-batches and
// then advances the EMA shadow.
func (t *Trainer) generatorStep() (StepLosses, error) {
	t.powerIterate()
	exec, g, d := t.deps.Exec, t.deps.Generator, t.deps.Discriminator
	t.deps.GOptimizer.ZeroGrad()

	acc := t.config.AccumulationSteps
	var total StepLosses
	for a := 0; a < acc; a++ {
		n := t.config.BatchSize
		z, err := t.config.Prior.Latents(t.rng, n, g.ZDim())
		if err != nil {
			return total, err
		}
		labels := sampleLabels(t.rng, n, t.config.NumClasses)

		var cost float64
		if t.config.LatentOp.Steps > 0 {
			res, err := t.config.LatentOp.Optimise(exec, g, d, z, labels, t.latentRng)
			if err != nil {
				return total, err
			}
			z, cost = res.Z, res.Cost
		}

		var aug *Augmented
		if t.config.DiffAug != nil {
			if aug, err = t.config.DiffAug.Draw(append([]int{n}, g.ImageShape()...), t.augRng); err != nil {
				return total, err
			}
		}
		pass, err := forwardGD(exec, g, d, z, labels, aug)
		if err != nil {
			return total, err
		}

		adv, gF := t.deps.Loss.Generator(scoreValues(pass.Out.Score))
		grad := models.OutputGrad{Score: scoreTensor(gF)}

		in := StrategyInput{Out: pass.Out, Labels: labels}
		var shView []shardState
		var viewAug *Augmented
		if t.ntAug != nil {
			var view *tensor.Tensor
			if view, viewAug, err = t.ntAug.Apply(pass.Input, t.augRng); err != nil {
				return total, err
			}
			if in.Aug, shView, err = discriminatorForward(exec, d, view, labels); err != nil {
				return total, err
			}
		}
		sG, sg, err := t.deps.Strategy.Loss(PhaseG, in, t.temperature())
		if err != nil {
			return total, err
		}
		if grad, err = addOutputGrad(grad, sg.Out); err != nil {
			return total, err
		}
		var extra *tensor.Tensor
		if shView != nil {
			gView, _, err := discriminatorBackward(exec, d, shView, sg.Aug, n)
			if err != nil {
				return total, err
			}
			extra = viewAug.Backward(gView)
		}

		bw, err := pass.backward(grad, extra, true)
		if err != nil {
			return total, err
		}
		bw.GGrads.Scale(1 / float32(acc))
		bw.GGrads.Apply(g.Parameters())

		total.G += (adv + sG + t.config.LatentNormRegWeight*cost) / float64(acc)
		total.GStrategy += sG / float64(acc)
		total.TransportCost += cost / float64(acc)
	}
	if err := t.deps.GOptimizer.Step(); err != nil {
		return total, errors.Wrap(err, "generator optimizer")
	}
	if t.deps.EMA != nil {
		if err := t.deps.EMA.Update(t.state.Step); err != nil {
			return total, err
		}
	}
	t.gSteps++
	return total, nil
}

func scoreValues(s *tensor.Tensor) []float64 {
	out := make([]float64, len(s.Data))
	for i, v := range s.Data {
		out[i] = float64(v)
	}
	return out
}

func scoreTensor(v []float64) *tensor.Tensor {
	t := tensor.Zeros(len(v))
	for i, x := range v {
		t.Data[i] = float32(x)
	}
	return t
}

// addTensor returns a+b treating nil as zero.
func addTensor(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	switch {
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	}
	return tensor.Add(a, b)
}

func addOutputGrad(a, b models.OutputGrad) (models.OutputGrad, error) {
	var out models.OutputGrad
	var err error
	if out.Score, err = addTensor(a.Score, b.Score); err != nil {
		return out, err
	}
	if out.Logits, err = addTensor(a.Logits, b.Logits); err != nil {
		return out, err
	}
	if out.Embed, err = addTensor(a.Embed, b.Embed); err != nil {
		return out, err
	}
	if out.Proxy, err = addTensor(a.Proxy, b.Proxy); err != nil {
		return out, err
	}
	return out, nil
}

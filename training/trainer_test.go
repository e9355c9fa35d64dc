package training

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-gan/checkpoints"
	"github.com/tsawler/go-gan/config"
	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/models"
)

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func TestTrainerRunsToTotalStep(t *testing.T) {
	deps := testDeps(t, testOptions(), 1)
	cfg := testTrainerConfig()
	cfg.PrintEvery = 5
	trainer, err := NewTrainer(cfg, deps)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	step, err := trainer.Run(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if step != 10 {
		t.Errorf("Expected final step 10, got %d", step)
	}
	dSteps, gSteps := trainer.Counts()
	if dSteps != 10 || gSteps != 10 {
		t.Errorf("Expected 10 D and 10 G updates, got %d and %d", dSteps, gSteps)
	}
	l := trainer.LastLosses()
	if !finite(l.D) || !finite(l.G) {
		t.Errorf("Expected finite losses, got D=%g G=%g", l.D, l.G)
	}
}

func TestTrainerStepsPerIteration(t *testing.T) {
	deps := testDeps(t, testOptions(), 2)
	cfg := testTrainerConfig()
	cfg.DStepsPerIter = 3
	cfg.GStepsPerIter = 2
	cfg.AccumulationSteps = 2
	trainer, err := NewTrainer(cfg, deps)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	if _, err := trainer.Run(context.Background(), 0, 4); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	dSteps, gSteps := trainer.Counts()
	if dSteps != 12 || gSteps != 8 {
		t.Errorf("Expected 12 D and 8 G updates, got %d and %d", dSteps, gSteps)
	}
}

func TestTrainerRejectsBadConfig(t *testing.T) {
	deps := testDeps(t, testOptions(), 3)
	tests := []struct {
		name   string
		mutate func(*TrainerConfig)
	}{
		{"zero batch", func(c *TrainerConfig) { c.BatchSize = 0 }},
		{"zero d steps", func(c *TrainerConfig) { c.DStepsPerIter = 0 }},
		{"zero print interval", func(c *TrainerConfig) { c.PrintEvery = 0 }},
		{"clipping without bound", func(c *TrainerConfig) { c.WeightClipping = true; c.WeightClippingBound = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTrainerConfig()
			tt.mutate(&cfg)
			if _, err := NewTrainer(cfg, deps); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}
	bad := deps
	bad.Loss = nil
	if _, err := NewTrainer(testTrainerConfig(), bad); err == nil {
		t.Error("Expected error without an adversarial loss")
	}
}

func TestWeightClippingBoundsDiscriminator(t *testing.T) {
	opts := testOptions()
	opts.DSpectralNorm = false
	deps := testDeps(t, opts, 4)
	wl, err := losses.Lookup("wasserstein")
	if err != nil {
		t.Fatal(err)
	}
	deps.Loss = wl
	cfg := testTrainerConfig()
	cfg.WeightClipping = true
	cfg.WeightClippingBound = 0.01
	trainer, err := NewTrainer(cfg, deps)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	if _, err := trainer.Run(context.Background(), 0, 2); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, p := range deps.Discriminator.Parameters() {
		for _, v := range p.Data {
			if v > 0.01 || v < -0.01 {
				t.Fatalf("Expected %s within [-0.01, 0.01], got %g", p.Name, v)
			}
		}
	}
}

func TestTrainerStrategiesAndRegularisers(t *testing.T) {
	for _, name := range config.Strategies() {
		t.Run(name, func(t *testing.T) {
			strategy, err := NewConditionalStrategy(name, StrategyParams{Lambda: 1, EmbedDim: 8, Normalize: true})
			if err != nil {
				t.Fatalf("Failed to create strategy: %v", err)
			}
			opts := testOptions()
			strategy.Configure(&opts)
			deps := testDeps(t, opts, 5)
			deps.Strategy = strategy
			if deps.Temperature, err = NewTemperatureScheduler("continuous", 1, 0.5, 1, 4); err != nil {
				t.Fatal(err)
			}
			sink := &recordingSink{}
			deps.Sink = sink

			cfg := testTrainerConfig()
			cfg.ConsistencyReg = true
			cfg.ConsistencyLambda = 10
			cfg.GradientPenalty = true
			cfg.GradientPenaltyLambda = 10
			cfg.LatentOp = LatentOptimizer{Steps: 1, Rate: 0.9, Alpha: 0.9, Beta: 0.1}
			cfg.LatentNormRegWeight = 0.001
			if cfg.DiffAug, err = NewAugmenter("color,translation,cutout"); err != nil {
				t.Fatal(err)
			}
			trainer, err := NewTrainer(cfg, deps)
			if err != nil {
				t.Fatalf("Failed to create trainer: %v", err)
			}
			if _, err := trainer.Run(context.Background(), 0, 2); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			l := trainer.LastLosses()
			for k, v := range l.Values() {
				if !finite(v) {
					t.Errorf("Expected finite %s, got %g", k, v)
				}
			}
			if l.GradientPenalty <= 0 {
				t.Errorf("Expected a positive gradient penalty, got %g", l.GradientPenalty)
			}
			if name != config.StrategyNone && name != config.StrategyProjGAN && l.DStrategy == 0 {
				t.Errorf("Expected a strategy term for %s", name)
			}
			if got := len(sink.group(GroupLosses)); got != 2 {
				t.Errorf("Expected 2 loss records, got %d", got)
			}
			lr := sink.group(GroupLearningRates)
			if len(lr) == 0 || lr[0].Values["temperature"] == 0 {
				t.Errorf("Expected temperature in learning-rate records, got %+v", lr)
			}
			if got := len(sink.group(GroupSpectralNorms)); got != 2 {
				t.Errorf("Expected 2 spectral-norm records, got %d", got)
			}
		})
	}
}

func TestTrainerHonoursCancellation(t *testing.T) {
	deps := testDeps(t, testOptions(), 6)
	trainer, err := NewTrainer(testTrainerConfig(), deps)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	step, err := trainer.Run(ctx, 3, 10)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if step != 3 {
		t.Errorf("Expected to stop at step 3, got %d", step)
	}
}

func TestStateObserve(t *testing.T) {
	var s State
	if !s.Observe(10, 50) {
		t.Error("Expected first score to improve")
	}
	if s.Observe(20, 60) {
		t.Error("Expected a higher FID not to improve")
	}
	if !s.Observe(30, 40) {
		t.Error("Expected a lower FID to improve")
	}
	if s.BestStep != 30 || *s.BestScore != 40 {
		t.Errorf("Expected best 40 at step 30, got %g at %d", *s.BestScore, s.BestStep)
	}
}

// trainWithCheckpoints runs from..to saving into dir every step.
func trainWithCheckpoints(t *testing.T, dir string, seed int64, from, to int, resume bool) (*recordingSink, models.Generator) {
	t.Helper()
	opts := testOptions()
	deps := testDeps(t, opts, 7)
	deps.Batches = syncBatches{testLoader(t, 8, seed+int64(from))}
	ema, err := NewEMA(deps.Generator, deps.Generator.Clone(), 0.9, 0)
	if err != nil {
		t.Fatal(err)
	}
	deps.EMA = ema
	store := checkpoints.NewStore(dir, checkpoints.FormatJSON)
	deps.Checkpoints = NewCheckpointManager(store, CheckpointTargets{
		Generator:     deps.Generator,
		Discriminator: deps.Discriminator,
		GOptimizer:    deps.GOptimizer,
		DOptimizer:    deps.DOptimizer,
		EMA:           ema,
	}, seed, nil)
	sink := &recordingSink{}
	deps.Sink = sink

	var state State
	if resume {
		r, err := deps.Checkpoints.Resume(checkpoints.SlotCurrent)
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		state = r.State
		if state.Step != from {
			t.Fatalf("Expected resumed step %d, got %d", from, state.Step)
		}
	}
	cfg := testTrainerConfig()
	cfg.Seed = seed + int64(from)
	cfg.SaveEvery = 1
	trainer, err := NewTrainer(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	trainer.SetState(state)
	if _, err := trainer.Run(context.Background(), from, to); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return sink, deps.Generator
}

func TestResumeIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	_, g := trainWithCheckpoints(t, dir, 11, 0, 3, false)
	saved := make([][]float32, 0)
	for _, p := range g.Parameters() {
		saved = append(saved, append([]float32(nil), p.Data...))
	}

	copyDir := func() string {
		dst := t.TempDir()
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0644); err != nil {
				t.Fatal(err)
			}
		}
		return dst
	}

	a, _ := trainWithCheckpoints(t, copyDir(), 11, 3, 5, true)
	b, _ := trainWithCheckpoints(t, copyDir(), 11, 3, 5, true)
	ra, rb := a.group(GroupLosses), b.group(GroupLosses)
	if len(ra) != 2 || len(rb) != 2 {
		t.Fatalf("Expected 2 loss records per resumed run, got %d and %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i].Step != rb[i].Step {
			t.Errorf("Expected equal steps, got %d and %d", ra[i].Step, rb[i].Step)
		}
		for k, v := range ra[i].Values {
			if rb[i].Values[k] != v {
				t.Errorf("Step %d %s: expected %g, got %g", ra[i].Step, k, v, rb[i].Values[k])
			}
		}
	}

	// A resumed generator starts from the saved weights.
	opts := testOptions()
	g2, d2 := testPair(t, opts, 99)
	gOpt, dOpt := testOptimizers(t, g2, d2)
	m := NewCheckpointManager(checkpoints.NewStore(dir, checkpoints.FormatJSON), CheckpointTargets{
		Generator: g2, Discriminator: d2, GOptimizer: gOpt, DOptimizer: dOpt,
	}, 11, nil)
	if _, err := m.Resume(checkpoints.SlotCurrent); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	for i, p := range g2.Parameters() {
		for j, v := range p.Data {
			if v != saved[i][j] {
				t.Fatalf("Expected restored %s[%d] = %g, got %g", p.Name, j, saved[i][j], v)
			}
		}
	}
}

func TestResumeRejectsSeedMismatch(t *testing.T) {
	dir := t.TempDir()
	trainWithCheckpoints(t, dir, 11, 0, 1, false)

	g, d := testPair(t, testOptions(), 7)
	gOpt, dOpt := testOptimizers(t, g, d)
	before := append([]float32(nil), g.Parameters()[0].Data...)
	m := NewCheckpointManager(checkpoints.NewStore(dir, checkpoints.FormatJSON), CheckpointTargets{
		Generator: g, Discriminator: d, GOptimizer: gOpt, DOptimizer: dOpt,
	}, 12, nil)
	_, err := m.Resume(checkpoints.SlotCurrent)
	if err == nil {
		t.Fatal("Expected seed mismatch error")
	}
	if !IsSeedMismatch(err) {
		t.Errorf("Expected ErrSeedMismatch cause, got %v", err)
	}
	for i, v := range g.Parameters()[0].Data {
		if v != before[i] {
			t.Fatal("Expected weights untouched after a rejected resume")
		}
	}
}

func TestBestCheckpointWrittenOnImprovement(t *testing.T) {
	dir := t.TempDir()
	deps := testDeps(t, testOptions(), 8)
	store := checkpoints.NewStore(dir, checkpoints.FormatJSON)
	deps.Checkpoints = NewCheckpointManager(store, CheckpointTargets{
		Generator: deps.Generator, Discriminator: deps.Discriminator,
		GOptimizer: deps.GOptimizer, DOptimizer: deps.DOptimizer,
	}, 1, nil)
	scores := []float64{5, 7, 3}
	calls := 0
	deps.Evaluator = evaluatorFunc(func(step int, s *State) bool {
		improved := s.Observe(step, scores[calls])
		calls++
		return improved
	})
	cfg := testTrainerConfig()
	cfg.SaveEvery = 1
	cfg.Evaluate = true
	trainer, err := NewTrainer(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trainer.Run(context.Background(), 0, 3); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	cp, _, err := store.Load(checkpoints.RoleDiscriminator, checkpoints.SlotBest)
	if err != nil {
		t.Fatalf("Expected a best D checkpoint: %v", err)
	}
	ts := cp.TrainingState
	if ts.Step != 3 || ts.BestStep != 3 || ts.BestScore == nil || *ts.BestScore != 3 {
		t.Errorf("Expected best record at step 3 with score 3, got %+v", ts)
	}
	if ts.BestScorePath != dir {
		t.Errorf("Expected best path %s, got %s", dir, ts.BestScorePath)
	}
	g, _, err := store.Load(checkpoints.RoleGenerator, checkpoints.SlotBest)
	if err != nil {
		t.Fatal(err)
	}
	if g.TrainingState.BestScore != nil {
		t.Error("Expected only the D record to carry the best score")
	}
}

type evaluatorFunc func(step int, s *State) bool

func (f evaluatorFunc) Evaluate(_ context.Context, step int, s *State) (bool, error) {
	return f(step, s), nil
}

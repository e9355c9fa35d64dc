package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-gan/metrics"
	"github.com/tsawler/go-gan/optimizer"
)

func testEvaluator(t *testing.T, conditional bool, sink Sink) (*EvaluationRunner, string) {
	t.Helper()
	opts := testOptions()
	opts.GConditional = conditional
	opts.DProjection = conditional
	g, d := testPair(t, opts, 5)

	evalData, err := NewDataLoader(testSource(t, 32, 6), DataLoaderConfig{BatchSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	probeData, err := NewDataLoader(testSource(t, 64, 7), DataLoaderConfig{BatchSize: 8, Shuffle: true, DropLast: true, Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	ex := testExtractor(t)
	moments := NewMomentCache("", func(ctx context.Context) (*metrics.Moments, error) {
		return PrepareMoments(ctx, SingleDevice{}, evalData, ex, 2, nil)
	})
	figures := t.TempDir()
	e, err := NewEvaluationRunner(EvaluationConfig{
		Seed:       1,
		RunName:    "eval-run",
		NumEval:    16,
		BatchSize:  8,
		Splits:     2,
		NumClasses: 4,
		FigureDir:  figures,
		Prior:      Prior{Kind: "gaussian"},
		Probe:      optimizer.Config{Family: "Adam", LearningRate: 0.01, Beta1: 0.5, Beta2: 0.999, Epsilon: 1e-6},
	}, EvaluationDeps{
		Generator:     g,
		Discriminator: d,
		Extractor:     ex,
		Moments:       moments,
		EvalData:      evalData,
		ProbeData:     probeData,
		Plots:         NewVisualizationCollector("eval-run"),
		Sink:          sink,
	})
	if err != nil {
		t.Fatalf("Failed to build evaluator: %v", err)
	}
	return e, filepath.Join(figures, "eval-run")
}

func TestEvaluateRecordsBestScore(t *testing.T) {
	sink := &recordingSink{}
	e, _ := testEvaluator(t, true, sink)
	var state State

	improved, err := e.Evaluate(context.Background(), 5, &state)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !improved || state.BestStep != 5 || state.BestScore == nil {
		t.Fatalf("Expected the first evaluation to set the best score, got %+v", state)
	}
	if *state.BestScore < 0 {
		t.Errorf("Expected a non-negative FID, got %g", *state.BestScore)
	}

	// A worse score must not replace the best one.
	best := 0.0
	state.BestScore = &best
	improved, err = e.Evaluate(context.Background(), 10, &state)
	if err != nil {
		t.Fatal(err)
	}
	if improved || state.BestStep != 5 {
		t.Errorf("Expected no improvement over a perfect score, got improved=%t best step %d", improved, state.BestStep)
	}

	recs := sink.group(GroupEvaluation)
	if len(recs) != 2 || recs[1].Step != 10 {
		t.Fatalf("Expected 2 evaluation records, got %+v", recs)
	}
	for _, key := range []string{"fid", "is", "is_std"} {
		if _, ok := recs[0].Values[key]; !ok {
			t.Errorf("Expected %s in evaluation record", key)
		}
	}
}

func TestEvaluateNeedsReferenceStatistics(t *testing.T) {
	g, d := testPair(t, testOptions(), 1)
	e, err := NewEvaluationRunner(EvaluationConfig{NumEval: 8, BatchSize: 8, Splits: 1, NumClasses: 4}, EvaluationDeps{Generator: g, Discriminator: d})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Evaluate(context.Background(), 1, &State{}); err == nil {
		t.Error("Expected error without an extractor")
	}
}

func TestNearestNeighborGrids(t *testing.T) {
	e, dir := testEvaluator(t, true, nil)
	paths, err := e.NearestNeighbor(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("NearestNeighbor failed: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("Expected one grid per class, got %d", len(paths))
	}
	if paths[2] != filepath.Join(dir, "nearest_neighbor_class2.png") {
		t.Errorf("Unexpected grid path %s", paths[2])
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected %s to exist: %v", p, err)
		}
	}
	if _, err := e.NearestNeighbor(context.Background(), 2, 1); err == nil {
		t.Error("Expected error for a single column")
	}

	u, udir := testEvaluator(t, false, nil)
	paths, err = u.NearestNeighbor(context.Background(), 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != filepath.Join(udir, "nearest_neighbor.png") {
		t.Errorf("Expected a single grid for an unconditional generator, got %v", paths)
	}
}

func TestLinearInterpolation(t *testing.T) {
	e, dir := testEvaluator(t, true, nil)
	for _, tc := range []struct {
		fixZ, fixY bool
		name       string
	}{
		{true, false, "interpolated_fix_z.png"},
		{false, true, "interpolated_fix_y.png"},
	} {
		path, err := e.LinearInterpolation(context.Background(), 2, 4, tc.fixZ, tc.fixY)
		if err != nil {
			t.Fatalf("LinearInterpolation(%t, %t) failed: %v", tc.fixZ, tc.fixY, err)
		}
		if path != filepath.Join(dir, tc.name) {
			t.Errorf("Expected %s, got %s", tc.name, path)
		}
	}
	if _, err := e.LinearInterpolation(context.Background(), 2, 4, true, true); err == nil {
		t.Error("Expected error when fixing both the latent and the label")
	}

	u, _ := testEvaluator(t, false, nil)
	if _, err := u.LinearInterpolation(context.Background(), 2, 4, true, false); err == nil {
		t.Error("Expected error interpolating classes of an unconditional generator")
	}
}

func TestLinearClassification(t *testing.T) {
	sink := &recordingSink{}
	e, _ := testEvaluator(t, true, sink)
	acc, err := e.LinearClassification(context.Background(), 20)
	if err != nil {
		t.Fatalf("LinearClassification failed: %v", err)
	}
	if acc < 0 || acc > 1 {
		t.Errorf("Expected accuracy in [0, 1], got %g", acc)
	}
	recs := sink.group(GroupProbe)
	if len(recs) != 1 || recs[0].Step != 20 || recs[0].Values["eval_accuracy"] != acc {
		t.Errorf("Unexpected probe record %+v", recs)
	}
	if len(e.deps.Plots.Plots()) != 1 {
		t.Error("Expected the confusion matrix to be recorded")
	}
	if _, err := e.LinearClassification(context.Background(), 0); err == nil {
		t.Error("Expected error for zero probe steps")
	}
}

package training

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/tsawler/go-gan/async"
	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/optimizer"
	"github.com/tsawler/go-gan/vision/dataset"
)

func testOptions() models.Options {
	return models.Options{
		ImgSize:       8,
		Channels:      1,
		NumClasses:    4,
		ZDim:          8,
		GHiddenDim:    16,
		DHiddenDim:    16,
		GActivation:   "ReLU",
		DActivation:   "Leaky_ReLU",
		GInit:         "ortho",
		DInit:         "ortho",
		DSpectralNorm: true,
	}
}

func testPair(t *testing.T, opts models.Options, seed int64) (models.Generator, models.Discriminator) {
	t.Helper()
	arch, err := models.Lookup("mlp")
	if err != nil {
		t.Fatalf("Failed to look up mlp: %v", err)
	}
	rng := rand.New(rand.NewSource(seed))
	g, err := arch.NewGenerator(opts, rng)
	if err != nil {
		t.Fatalf("Failed to build generator: %v", err)
	}
	d, err := arch.NewDiscriminator(opts, rng)
	if err != nil {
		t.Fatalf("Failed to build discriminator: %v", err)
	}
	return g, d
}

func testSource(t *testing.T, size int, seed int64) dataset.Source {
	t.Helper()
	src, err := dataset.NewGaussianDataset(dataset.GaussianConfig{
		Size: size, NumClasses: 4, Channels: 1, ImgSize: 8, Seed: seed,
	})
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}
	return src
}

func testLoader(t *testing.T, batchSize int, seed int64) *DataLoader {
	t.Helper()
	dl, err := NewDataLoader(testSource(t, 64, seed), DataLoaderConfig{
		BatchSize: batchSize, Shuffle: true, DropLast: true, NumWorkers: 2, Seed: seed,
	})
	if err != nil {
		t.Fatalf("Failed to build loader: %v", err)
	}
	return dl
}

// syncBatches feeds a DataLoader to the trainer without prefetching.
type syncBatches struct{ dl *DataLoader }

func (s syncBatches) GetBatch(ctx context.Context) (*async.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.dl.GetBatch(s.dl.BatchSize())
}

// recordingSink keeps every scalar record in call order.
type recordingSink struct {
	mu      sync.Mutex
	records []ScalarRecord
}

func (r *recordingSink) AddScalars(group string, values map[string]float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	r.records = append(r.records, ScalarRecord{Group: group, Step: step, Values: cp})
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) group(name string) []ScalarRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ScalarRecord
	for _, rec := range r.records {
		if rec.Group == name {
			out = append(out, rec)
		}
	}
	return out
}

func testTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Seed:              1,
		RunName:           "test-train-run",
		BatchSize:         8,
		DStepsPerIter:     1,
		GStepsPerIter:     1,
		AccumulationSteps: 1,
		NumClasses:        4,
		Prior:             Prior{Kind: "gaussian"},
		PrintEvery:        1,
		SaveEvery:         1000,
	}
}

func testOptimizers(t *testing.T, g models.Generator, d models.Discriminator) (optimizer.Optimizer, optimizer.Optimizer) {
	t.Helper()
	cfg := optimizer.Config{Family: "Adam", LearningRate: 0.0002, Beta1: 0.5, Beta2: 0.999, Epsilon: 1e-6}
	gOpt, err := optimizer.New(cfg, g.Parameters())
	if err != nil {
		t.Fatalf("Failed to build G optimizer: %v", err)
	}
	dOpt, err := optimizer.New(cfg, d.Parameters())
	if err != nil {
		t.Fatalf("Failed to build D optimizer: %v", err)
	}
	return gOpt, dOpt
}

// testDeps wires a fresh model pair, its optimizers and a loader seeded with
// seed. The adversarial loss defaults to hinge.
func testDeps(t *testing.T, opts models.Options, seed int64) Deps {
	t.Helper()
	g, d := testPair(t, opts, seed)
	gOpt, dOpt := testOptimizers(t, g, d)
	loss, err := losses.Lookup("hinge")
	if err != nil {
		t.Fatalf("Failed to look up hinge: %v", err)
	}
	return Deps{
		Generator:     g,
		Discriminator: d,
		GOptimizer:    gOpt,
		DOptimizer:    dOpt,
		Loss:          loss,
		Batches:       syncBatches{testLoader(t, 8, seed)},
	}
}

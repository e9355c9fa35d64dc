package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/tensor"
)

// Prior draws latent vectors.
type Prior struct {
	// Kind is gaussian or uniform.
	Kind string
	// Truncation > 0 replaces the gaussian with a normal truncated to
	// [-Truncation, Truncation]. Values <= 0 disable it.
	Truncation float64
}

// Latents returns an [n, dim] batch.
func (p Prior) Latents(rng *rand.Rand, n, dim int) (*tensor.Tensor, error) {
	switch p.Kind {
	case "gaussian", "":
		if p.Truncation > 0 {
			return tensor.TruncatedNormal(rng, float32(p.Truncation), n, dim), nil
		}
		return tensor.RandomNormal(rng, 0, 1, n, dim), nil
	case "uniform":
		return tensor.RandomUniform(rng, -1, 1, n, dim), nil
	default:
		return nil, errors.Errorf("unknown prior %q", p.Kind)
	}
}

// sampleLabels draws n labels uniformly from [0, k).
func sampleLabels(rng *rand.Rand, n, k int) []int {
	labels := make([]int, n)
	if k <= 1 {
		return labels
	}
	for i := range labels {
		labels[i] = rng.Intn(k)
	}
	return labels
}

// Sampler generates image batches without touching gradients.
type Sampler struct {
	Generator     models.Generator
	Discriminator models.Discriminator
	Exec          ExecutionStrategy
	Prior         Prior
	NumClasses    int
	// LatentOp, when it has steps, refines latents against Discriminator
	// before generation.
	LatentOp LatentOptimizer
	Rng      *rand.Rand
}

// Sample returns n generated images and the labels they were drawn for.
func (s *Sampler) Sample(n int) (*tensor.Tensor, []int, error) {
	z, err := s.Prior.Latents(s.Rng, n, s.Generator.ZDim())
	if err != nil {
		return nil, nil, err
	}
	labels := sampleLabels(s.Rng, n, s.NumClasses)
	if s.LatentOp.Steps > 0 && s.Discriminator != nil {
		res, err := s.LatentOp.Optimise(s.Exec, s.Generator, s.Discriminator, z, labels, s.Rng)
		if err != nil {
			return nil, nil, err
		}
		z = res.Z
	}
	img, _, err := generatorForward(s.Exec, s.Generator, z, labels)
	if err != nil {
		return nil, nil, err
	}
	return img, labels, nil
}

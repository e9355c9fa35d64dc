package training

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/tensor"
)

// LatentOptimizer perturbs latent vectors towards a higher discriminator
// score with a few natural-gradient ascent steps (LOGAN). Each step:
//
//	g     = d sum(D(G(z))) / dz
//	delta = alpha * g / (beta + ||g||^2)
//	z     = clamp(z + mask*delta, -1, 1)
//
// where mask keeps a whole latent row with probability rate. The transport
// cost is mean ||delta||^2 of the last step, before masking.
type LatentOptimizer struct {
	Steps int
	Rate  float64
	Alpha float64
	Beta  float64
}

// LatentResult is the optimised latent batch and its transport cost.
type LatentResult struct {
	Z    *tensor.Tensor
	Cost float64
}

// Optimise runs Steps updates of z. The generator and discriminator are only
// read; the returned gradients are discarded.
func (lo LatentOptimizer) Optimise(exec ExecutionStrategy, g models.Generator, d models.Discriminator, z *tensor.Tensor, labels []int, rng *rand.Rand) (*LatentResult, error) {
	if lo.Steps <= 0 {
		return &LatentResult{Z: z}, nil
	}
	if lo.Rate <= 0 || lo.Rate > 1 {
		return nil, errors.Errorf("latent op rate must lie in (0, 1], got %g", lo.Rate)
	}
	cur := z.Clone()
	n := cur.Rows()
	keep := make([]bool, n)
	var cost float64
	for step := 0; step < lo.Steps; step++ {
		for i := range keep {
			keep[i] = rng.Float64() > 1-lo.Rate
		}
		grad, err := scoreGradZ(exec, g, d, cur, labels)
		if err != nil {
			return nil, errors.Wrapf(err, "latent op step %d", step)
		}
		cost = 0
		for i := 0; i < n; i++ {
			gr, zr := grad.Row(i), cur.Row(i)
			var norm float64
			for _, v := range gr {
				norm += float64(v) * float64(v)
			}
			scale := lo.Alpha / (lo.Beta + norm)
			for j, v := range gr {
				delta := scale * float64(v)
				cost += delta * delta
				if keep[i] {
					zr[j] += float32(delta)
				}
			}
		}
		cost /= float64(n)
		tensor.Clamp(cur, -1, 1)
	}
	if math.IsNaN(cost) {
		return nil, errors.New("latent op produced a NaN transport cost")
	}
	return &LatentResult{Z: cur, Cost: cost}, nil
}

// scoreGradZ returns d sum_i score_i / dz through G and D.
func scoreGradZ(exec ExecutionStrategy, g models.Generator, d models.Discriminator, z *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	n := z.Rows()
	ones := tensor.Full(1, n)
	pass, err := forwardGD(exec, g, d, z, labels, nil)
	if err != nil {
		return nil, err
	}
	bw, err := pass.backward(models.OutputGrad{Score: ones}, nil, true)
	if err != nil {
		return nil, err
	}
	return bw.GradZ, nil
}

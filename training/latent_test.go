package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-gan/tensor"
)

func TestLatentOptimiserStaysInBox(t *testing.T) {
	g, d := testPair(t, testOptions(), 1)
	rng := rand.New(rand.NewSource(2))
	z := tensor.RandomUniform(rng, -1, 1, 6, g.ZDim())
	orig := z.Clone()
	lo := LatentOptimizer{Steps: 3, Rate: 1, Alpha: 0.9, Beta: 0.1}
	res, err := lo.Optimise(SingleDevice{}, g, d, z, make([]int, 6), rng)
	if err != nil {
		t.Fatalf("Optimise failed: %v", err)
	}
	for _, v := range res.Z.Data {
		if v < -1 || v > 1 {
			t.Fatalf("Expected latents in [-1, 1], got %g", v)
		}
	}
	if res.Cost <= 0 {
		t.Errorf("Expected a positive transport cost, got %g", res.Cost)
	}
	if !z.AllClose(orig, 0) {
		t.Error("Expected the input latents left untouched")
	}
}

func TestLatentOptimiserValidation(t *testing.T) {
	g, d := testPair(t, testOptions(), 3)
	rng := rand.New(rand.NewSource(4))
	z := tensor.RandomUniform(rng, -1, 1, 4, g.ZDim())
	res, err := LatentOptimizer{}.Optimise(SingleDevice{}, g, d, z, make([]int, 4), rng)
	if err != nil {
		t.Fatal(err)
	}
	if res.Z != z || res.Cost != 0 {
		t.Error("Expected zero steps to return the latents unchanged")
	}
	lo := LatentOptimizer{Steps: 2, Rate: 0, Alpha: 0.9, Beta: 0.1}
	if _, err := lo.Optimise(SingleDevice{}, g, d, z, make([]int, 4), rng); err == nil {
		t.Error("Expected error for rate 0")
	}
}

func TestLatentOptimiserMasksWholeRows(t *testing.T) {
	g, d := testPair(t, testOptions(), 5)
	rng := rand.New(rand.NewSource(6))
	const n = 40
	z := tensor.RandomUniform(rng, -0.5, 0.5, n, g.ZDim())
	labels := make([]int, n)

	full, err := LatentOptimizer{Steps: 1, Rate: 1, Alpha: 0.1, Beta: 0.1}.Optimise(SingleDevice{}, g, d, z, labels, rng)
	if err != nil {
		t.Fatal(err)
	}
	var moved float64
	for i := 0; i < n; i++ {
		a, b := full.Z.Row(i), z.Row(i)
		for j := range a {
			dv := float64(a[j] - b[j])
			moved += dv * dv
		}
	}
	moved /= n
	if math.Abs(moved-full.Cost) > 1e-4*math.Max(1, moved) {
		t.Errorf("Expected cost %g to equal the mean squared step %g", full.Cost, moved)
	}

	half, err := LatentOptimizer{Steps: 1, Rate: 0.5, Alpha: 0.1, Beta: 0.1}.Optimise(SingleDevice{}, g, d, z, labels, rng)
	if err != nil {
		t.Fatal(err)
	}
	var kept, dropped int
	for i := 0; i < n; i++ {
		same := 0
		a, b := half.Z.Row(i), z.Row(i)
		for j := range a {
			if a[j] == b[j] {
				same++
			}
		}
		switch {
		case same == len(a):
			dropped++
		case same <= len(a)/4:
			kept++
		default:
			t.Errorf("Row %d was partly updated (%d of %d coordinates unchanged)", i, same, len(a))
		}
	}
	if kept == 0 || dropped == 0 {
		t.Errorf("Expected both kept and dropped rows, got %d and %d", kept, dropped)
	}
	// The cost measures the unmasked step, so dropping rows does not change it.
	if math.Abs(half.Cost-full.Cost) > 1e-6*math.Max(1, full.Cost) {
		t.Errorf("Expected cost %g independent of the mask, got %g", full.Cost, half.Cost)
	}
}

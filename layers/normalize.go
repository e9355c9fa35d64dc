package layers

import (
	"math"

	"github.com/tsawler/go-gan/tensor"
)

const normEpsilon = 1e-12

// L2NormalizeRows scales every row of x to unit length. It returns the
// normalised rows and the original norms for Backward.
func L2NormalizeRows(x *tensor.Tensor) (*tensor.Tensor, []float64) {
	out := x.Clone()
	norms := x.RowNorms()
	for i, n := range norms {
		if n < normEpsilon {
			n = normEpsilon
			norms[i] = n
		}
		row := out.Row(i)
		for j := range row {
			row[j] = float32(float64(row[j]) / n)
		}
	}
	return out, norms
}

// L2NormalizeBackward maps dL/dy to dL/dx for y = x/||x||.
func L2NormalizeBackward(y *tensor.Tensor, norms []float64, gy *tensor.Tensor) *tensor.Tensor {
	gx := tensor.Zeros(gy.Shape...)
	for i, n := range norms {
		yr := y.Row(i)
		gr := gy.Row(i)
		dot := 0.0
		for j := range yr {
			dot += float64(yr[j]) * float64(gr[j])
		}
		dst := gx.Row(i)
		for j := range dst {
			dst[j] = float32((float64(gr[j]) - dot*float64(yr[j])) / n)
		}
	}
	return gx
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

package losses

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/tensor"
)

// GradientPenalty returns mean((||g_i|| - 1)^2) over the given input-gradient
// norms, and d(penalty)/d(norm_i).
func GradientPenalty(norms []float64) (float64, []float64) {
	if len(norms) == 0 {
		return 0, nil
	}
	n := float64(len(norms))
	weights := make([]float64, len(norms))
	var p float64
	for i, v := range norms {
		d := v - 1
		p += d * d
		weights[i] = 2 * d / n
	}
	return p / n, weights
}

// ClipParams clamps every parameter value to [-bound, bound].
func ClipParams(params []*layers.Param, bound float32) {
	for _, p := range params {
		for i, v := range p.Data {
			if v > bound {
				p.Data[i] = bound
			} else if v < -bound {
				p.Data[i] = -bound
			}
		}
	}
}

// Consistency returns mean((a-b)^2) and its gradient with respect to a and b.
func Consistency(a, b []float64) (float64, []float64, []float64, error) {
	if len(a) != len(b) {
		return 0, nil, nil, errors.Errorf("consistency: %d vs %d values", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil, nil, nil
	}
	n := float64(len(a))
	ga := make([]float64, len(a))
	gb := make([]float64, len(b))
	var l float64
	for i := range a {
		d := a[i] - b[i]
		l += d * d
		ga[i] = 2 * d / n
		gb[i] = -2 * d / n
	}
	return l / n, ga, gb, nil
}

// CrossEntropy returns the mean softmax cross-entropy of logits [N, K]
// against labels and the gradient with respect to the logits.
func CrossEntropy(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if logits.Dim() != 2 || logits.Rows() != len(labels) {
		return 0, nil, errors.Errorf("cross entropy: logits %v for %d labels", logits.Shape, len(labels))
	}
	n := logits.Rows()
	k := logits.Shape[1]
	grad := tensor.Zeros(n, k)
	var loss float64
	for i, y := range labels {
		if y < 0 || y >= k {
			return 0, nil, errors.Errorf("cross entropy: label %d out of range [0, %d)", y, k)
		}
		row := logits.Row(i)
		probs := softmax(row)
		loss -= math.Log(math.Max(probs[y], 1e-12))
		gr := grad.Row(i)
		for j, p := range probs {
			if j == y {
				p--
			}
			gr[j] = float32(p / float64(n))
		}
	}
	return loss / float64(n), grad, nil
}

// Accuracy returns the fraction of rows whose arg-max equals the label.
func Accuracy(logits *tensor.Tensor, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, y := range labels {
		if Argmax(logits.Row(i)) == y {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// Argmax returns the index of the largest value.
func Argmax(row []float32) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

func softmax(row []float32) []float64 {
	m := math.Inf(-1)
	for _, v := range row {
		m = math.Max(m, float64(v))
	}
	out := make([]float64, len(row))
	var s float64
	for j, v := range row {
		out[j] = math.Exp(float64(v) - m)
		s += out[j]
	}
	for j := range out {
		out[j] /= s
	}
	return out
}

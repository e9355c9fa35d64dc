package losses

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// ContrastiveResult is a contrastive loss value and its gradients.
type ContrastiveResult struct {
	Loss float64
	// GradA is the gradient for the anchors (instance embeddings).
	GradA *tensor.Tensor
	// GradB is the gradient for the second operand: proxies for 2C and
	// Proxy-NCA, the augmented view for NT-Xent.
	GradB *tensor.Tensor
}

func checkPair(a, b *tensor.Tensor, labels []int, withLabels bool) error {
	if a.Dim() != 2 || b.Dim() != 2 || a.Shape[0] != b.Shape[0] || a.Shape[1] != b.Shape[1] {
		return errors.Errorf("contrastive: shapes %v and %v differ", a.Shape, b.Shape)
	}
	if withLabels && len(labels) != a.Rows() {
		return errors.Errorf("contrastive: %d labels for %d embeddings", len(labels), a.Rows())
	}
	if a.Rows() == 0 {
		return errors.New("contrastive: empty batch")
	}
	return nil
}

func dot64(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func axpy(dst []float32, alpha float64, x []float32) {
	for i, v := range x {
		dst[i] += float32(alpha * float64(v))
	}
}

// ConditionalContrastive is the 2C loss. For anchor i with proxy p_i:
//
//	a_i  = exp((z_i.p_i - margin)/t)
//	s_ij = exp((z_i.z_j - margin)/t)
//	N_i  = a_i + sum_{j!=i, y_j=y_i} s_ij   (only a_i without posCollected)
//	D_i  = a_i + sum_{j!=i} s_ij
//	L    = -mean_i log(t * N_i/D_i)
//
// The margin scales every term alike, so it cancels in N_i/D_i. Inputs are
// expected to be L2-normalised.
func ConditionalContrastive(embed, proxy *tensor.Tensor, labels []int, t, margin float64, posCollected bool) (*ContrastiveResult, error) {
	if err := checkPair(embed, proxy, labels, true); err != nil {
		return nil, err
	}
	if t <= 0 {
		return nil, errors.Errorf("contrastive: temperature must be positive, got %f", t)
	}
	n := embed.Rows()
	fn := float64(n)

	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if j != i {
				sim[i][j] = math.Exp((dot64(embed.Row(i), embed.Row(j)) - margin) / t)
			}
		}
	}

	res := &ContrastiveResult{GradA: tensor.Zeros(embed.Shape...), GradB: tensor.Zeros(proxy.Shape...)}
	for i := 0; i < n; i++ {
		zi := embed.Row(i)
		pi := proxy.Row(i)
		a := math.Exp((dot64(zi, pi) - margin) / t)
		num, den := a, a
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			den += sim[i][j]
			if posCollected && labels[j] == labels[i] {
				num += sim[i][j]
			}
		}
		res.Loss -= math.Log(t*num/den) / fn

		dPos := -(1/num - 1/den) / fn
		dNeg := (1 / den) / fn

		// proxy term
		axpy(res.GradA.Row(i), dPos*a/t, pi)
		axpy(res.GradB.Row(i), dPos*a/t, zi)

		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			w := dNeg
			if posCollected && labels[j] == labels[i] {
				w = dPos
			}
			coef := w * sim[i][j] / t
			axpy(res.GradA.Row(i), coef, embed.Row(j))
			axpy(res.GradA.Row(j), coef, zi)
		}
	}
	return res, nil
}

// ProxyNCA is the batch-local Proxy-NCA loss: each anchor is classified
// against its own proxy and the proxies of samples with a different label.
func ProxyNCA(embed, proxy *tensor.Tensor, labels []int, t float64) (*ContrastiveResult, error) {
	if err := checkPair(embed, proxy, labels, true); err != nil {
		return nil, err
	}
	if t <= 0 {
		return nil, errors.Errorf("proxy-nca: temperature must be positive, got %f", t)
	}
	n := embed.Rows()
	fn := float64(n)
	res := &ContrastiveResult{GradA: tensor.Zeros(embed.Shape...), GradB: tensor.Zeros(proxy.Shape...)}

	for i := 0; i < n; i++ {
		zi := embed.Row(i)
		cands := []int{i}
		for j := 0; j < n; j++ {
			if labels[j] != labels[i] {
				cands = append(cands, j)
			}
		}
		logits := make([]float64, len(cands))
		m := math.Inf(-1)
		for k, j := range cands {
			logits[k] = dot64(zi, proxy.Row(j)) / t
			m = math.Max(m, logits[k])
		}
		var s float64
		for _, l := range logits {
			s += math.Exp(l - m)
		}
		res.Loss += (m + math.Log(s) - logits[0]) / fn

		for k, j := range cands {
			g := math.Exp(logits[k]-m) / s
			if k == 0 {
				g--
			}
			g /= fn * t
			axpy(res.GradA.Row(i), g, proxy.Row(j))
			axpy(res.GradB.Row(j), g, zi)
		}
	}
	return res, nil
}

// NTXent is the normalised-temperature cross entropy between two views of
// the same batch: row i of a and row i of b are positives, every other row
// of either view is a negative.
func NTXent(a, b *tensor.Tensor, t float64) (*ContrastiveResult, error) {
	if err := checkPair(a, b, nil, false); err != nil {
		return nil, err
	}
	if t <= 0 {
		return nil, errors.Errorf("nt-xent: temperature must be positive, got %f", t)
	}
	n := a.Rows()
	all, err := tensor.ConcatRows(a, b)
	if err != nil {
		return nil, err
	}
	grad := tensor.Zeros(all.Shape...)
	total := 2 * n
	ft := float64(total)
	var loss float64

	for k := 0; k < total; k++ {
		pos := (k + n) % total
		uk := all.Row(k)
		logits := make([]float64, total)
		m := math.Inf(-1)
		for j := 0; j < total; j++ {
			if j == k {
				continue
			}
			logits[j] = dot64(uk, all.Row(j)) / t
			m = math.Max(m, logits[j])
		}
		var s float64
		for j := 0; j < total; j++ {
			if j != k {
				s += math.Exp(logits[j] - m)
			}
		}
		loss += (m + math.Log(s) - logits[pos]) / ft

		for j := 0; j < total; j++ {
			if j == k {
				continue
			}
			g := math.Exp(logits[j]-m) / s
			if j == pos {
				g--
			}
			g /= ft * t
			axpy(grad.Row(k), g, all.Row(j))
			axpy(grad.Row(j), g, uk)
		}
	}
	return &ContrastiveResult{
		Loss:  loss,
		GradA: grad.SliceRows(0, n),
		GradB: grad.SliceRows(n, total),
	}, nil
}

package metrics

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Moments are the reference statistics of a set of embeddings.
type Moments struct {
	Mu    []float64
	Sigma *mat.SymDense
	IS    float64
	ISStd float64
	N     int
}

// ComputeMoments returns the mean and covariance of features (one row per
// sample) and the Inception-style score of probs over splits groups.
func ComputeMoments(features, probs [][]float64, splits int) (*Moments, error) {
	if len(features) < 2 {
		return nil, errors.Errorf("need at least 2 samples for a covariance, got %d", len(features))
	}
	dim := len(features[0])
	data := mat.NewDense(len(features), dim, nil)
	for i, row := range features {
		if len(row) != dim {
			return nil, errors.Errorf("feature row %d has %d values, expected %d", i, len(row), dim)
		}
		data.SetRow(i, row)
	}

	mu := make([]float64, dim)
	col := make([]float64, len(features))
	for j := 0; j < dim; j++ {
		mat.Col(col, j, data)
		mu[j] = stat.Mean(col, nil)
	}
	sigma := mat.NewSymDense(dim, nil)
	stat.CovarianceMatrix(sigma, data, nil)

	m := &Moments{Mu: mu, Sigma: sigma, N: len(features)}
	if len(probs) > 0 {
		is, std, err := InceptionScore(probs, splits)
		if err != nil {
			return nil, err
		}
		m.IS, m.ISStd = is, std
	}
	return m, nil
}

// FID returns the Fréchet distance between two Gaussians:
//
//	||mu1-mu2||^2 + tr(S1) + tr(S2) - 2 tr((S1^1/2 S2 S1^1/2)^1/2)
func FID(a, b *Moments) (float64, error) {
	if len(a.Mu) != len(b.Mu) {
		return 0, errors.Errorf("moment dimensions differ: %d vs %d", len(a.Mu), len(b.Mu))
	}
	var diff float64
	for i := range a.Mu {
		d := a.Mu[i] - b.Mu[i]
		diff += d * d
	}

	rootA, err := sqrtSym(a.Sigma)
	if err != nil {
		return 0, err
	}
	var tmp, prod mat.Dense
	tmp.Mul(rootA, b.Sigma)
	prod.Mul(&tmp, rootA)
	n := len(a.Mu)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(prod.At(i, j)+prod.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, false); !ok {
		return 0, errors.New("eigendecomposition of covariance product failed")
	}
	var trSqrt float64
	for _, v := range eig.Values(nil) {
		if v > 0 {
			trSqrt += math.Sqrt(v)
		}
	}

	return diff + mat.Trace(a.Sigma) + mat.Trace(b.Sigma) - 2*trSqrt, nil
}

// sqrtSym returns the principal square root of a symmetric PSD matrix.
func sqrtSym(s *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(s, true); !ok {
		return nil, errors.New("eigendecomposition of covariance failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	n := len(vals)
	d := mat.NewDiagDense(n, nil)
	for i, v := range vals {
		if v > 0 {
			d.SetDiag(i, math.Sqrt(v))
		}
	}
	var tmp, out mat.Dense
	tmp.Mul(&vecs, d)
	out.Mul(&tmp, vecs.T())
	return &out, nil
}

// InceptionScore splits probs into contiguous groups and returns the mean and
// population standard deviation of exp(E[KL(p(y|x) || p(y))]) across groups.
func InceptionScore(probs [][]float64, splits int) (float64, float64, error) {
	if splits <= 0 {
		return 0, 0, errors.Errorf("splits must be positive, got %d", splits)
	}
	if len(probs) < splits {
		return 0, 0, errors.Errorf("%d samples cannot be split %d ways", len(probs), splits)
	}
	n := len(probs)
	scores := make([]float64, 0, splits)
	for k := 0; k < splits; k++ {
		part := probs[k*n/splits : (k+1)*n/splits]
		py := make([]float64, len(part[0]))
		for _, p := range part {
			for j, v := range p {
				py[j] += v / float64(len(part))
			}
		}
		var kl float64
		for _, p := range part {
			for j, v := range p {
				if v > 0 && py[j] > 0 {
					kl += v * (math.Log(v) - math.Log(py[j]))
				}
			}
		}
		scores = append(scores, math.Exp(kl/float64(len(part))))
	}
	mean, variance := stat.PopMeanVariance(scores, nil)
	return mean, math.Sqrt(variance), nil
}

type momentsFile struct {
	Mu    []float64 `json:"mu"`
	Sigma []float64 `json:"sigma"`
	IS    float64   `json:"is"`
	ISStd float64   `json:"is_std"`
	N     int       `json:"n"`
}

// SaveMoments writes moments to path as JSON.
func SaveMoments(path string, m *Moments) error {
	n := len(m.Mu)
	f := momentsFile{Mu: m.Mu, IS: m.IS, ISStd: m.ISStd, N: m.N, Sigma: make([]float64, 0, n*n)}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			f.Sigma = append(f.Sigma, m.Sigma.At(i, j))
		}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to encode moments")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create moments directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write moments to %s", path)
	}
	return nil
}

// LoadMoments reads moments written by SaveMoments.
func LoadMoments(path string) (*Moments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read moments from %s", path)
	}
	var f momentsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to decode moments from %s", path)
	}
	n := len(f.Mu)
	if len(f.Sigma) != n*n {
		return nil, errors.Errorf("moments file %s: covariance has %d values for dimension %d", path, len(f.Sigma), n)
	}
	return &Moments{Mu: f.Mu, Sigma: mat.NewSymDense(n, f.Sigma), IS: f.IS, ISStd: f.ISStd, N: f.N}, nil
}

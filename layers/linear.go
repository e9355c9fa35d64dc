package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// Linear computes y = x W^T + b with W of shape [Out, In].
//
// With spectral normalisation enabled the effective weight is W/sigma, where
// sigma is the power-iteration estimate of W's largest singular value. sigma is
// refreshed only by PowerIterate and is treated as a constant in Backward.
type Linear struct {
	Name    string
	In, Out int
	W       *Param
	B       *Param

	// spectral-norm buffers: left singular vector estimate and sigma
	u     *Param
	sigma *Param
}

// NewLinear allocates a layer with zeroed weights; callers initialise them.
func NewLinear(name string, in, out int, bias bool) *Linear {
	l := &Linear{
		Name: name,
		In:   in,
		Out:  out,
		W:    NewParam(name+".weight", out, in),
	}
	if bias {
		l.B = NewParam(name+".bias", out)
	}
	return l
}

// EnableSpectralNorm turns on spectral normalisation with a random start vector.
func (l *Linear) EnableSpectralNorm(rng *rand.Rand) {
	u := make([]float64, l.Out)
	for i := range u {
		u[i] = rng.NormFloat64()
	}
	normalize(u)
	l.u = NewParam(l.Name+".sn_u", l.Out)
	for i, v := range u {
		l.u.Data[i] = float32(v)
	}
	l.sigma = NewParam(l.Name+".sn_sigma", 1)
	l.sigma.Data[0] = 1
	l.PowerIterate()
}

// SpectralNorm reports whether spectral normalisation is enabled.
func (l *Linear) SpectralNorm() bool {
	return l.u != nil
}

// Parameters returns the trainable parameters in a fixed order.
func (l *Linear) Parameters() []*Param {
	if l.B == nil {
		return []*Param{l.W}
	}
	return []*Param{l.W, l.B}
}

// Buffers returns the non-trainable state that must survive a checkpoint.
func (l *Linear) Buffers() []*Param {
	if l.u == nil {
		return nil
	}
	return []*Param{l.u, l.sigma}
}

// Clone returns a deep copy including spectral-norm buffers.
func (l *Linear) Clone() *Linear {
	c := &Linear{Name: l.Name, In: l.In, Out: l.Out, W: cloneParam(l.W)}
	if l.B != nil {
		c.B = cloneParam(l.B)
	}
	if l.u != nil {
		c.u = cloneParam(l.u)
		c.sigma = cloneParam(l.sigma)
	}
	return c
}

// PowerIterate runs one power-iteration step and updates sigma.
// It is a no-op without spectral normalisation.
func (l *Linear) PowerIterate() {
	if l.u == nil {
		return
	}
	w := l.W.Data
	v := make([]float64, l.In)
	for i := 0; i < l.Out; i++ {
		ui := float64(l.u.Data[i])
		row := w[i*l.In : (i+1)*l.In]
		for j, wv := range row {
			v[j] += float64(wv) * ui
		}
	}
	normalize(v)

	u := make([]float64, l.Out)
	for i := 0; i < l.Out; i++ {
		row := w[i*l.In : (i+1)*l.In]
		s := 0.0
		for j, wv := range row {
			s += float64(wv) * v[j]
		}
		u[i] = s
	}
	sigma := normalize(u)
	if sigma < 1e-12 {
		sigma = 1e-12
	}
	for i, x := range u {
		l.u.Data[i] = float32(x)
	}
	l.sigma.Data[0] = float32(sigma)
}

// Sigma returns the current spectral-norm estimate, or 1 without normalisation.
func (l *Linear) Sigma() float64 {
	if l.sigma == nil {
		return 1
	}
	return float64(l.sigma.Data[0])
}

// EffectiveWeight returns the weight actually used by Forward as an [Out, In] tensor.
func (l *Linear) EffectiveWeight() *tensor.Tensor {
	w := tensor.MustNew([]int{l.Out, l.In}, l.W.Data)
	if l.sigma == nil {
		return w
	}
	return tensor.Scale(w, float32(1/l.Sigma()))
}

// Forward computes x W^T + b for x of shape [N, In].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 2 || x.Shape[1] != l.In {
		return nil, errors.Errorf("%s: expected input [N, %d], got %v", l.Name, l.In, x.Shape)
	}
	y, err := tensor.MatMulTransB(x, l.EffectiveWeight())
	if err != nil {
		return nil, errors.Wrap(err, l.Name)
	}
	if l.B != nil {
		for i := 0; i < y.Rows(); i++ {
			row := y.Row(i)
			for j := range row {
				row[j] += l.B.Data[j]
			}
		}
	}
	return y, nil
}

// Backward accumulates dL/dW and dL/db into grads and returns dL/dx.
func (l *Linear) Backward(x, gy *tensor.Tensor, grads Gradients) (*tensor.Tensor, error) {
	gx, err := tensor.MatMul(gy, l.EffectiveWeight())
	if err != nil {
		return nil, errors.Wrap(err, l.Name)
	}
	if grads == nil {
		return gx, nil
	}

	gw, err := tensor.MatMulTransA(gy, x)
	if err != nil {
		return nil, errors.Wrap(err, l.Name)
	}
	scale := float32(1 / l.Sigma())
	dst := grads.Slot(l.W)
	for i, v := range gw.Data {
		dst[i] += v * scale
	}

	if l.B != nil {
		gb, err := tensor.SumRows(gy)
		if err != nil {
			return nil, errors.Wrap(err, l.Name)
		}
		dstB := grads.Slot(l.B)
		for i, v := range gb.Data {
			dstB[i] += v
		}
	}
	return gx, nil
}

func normalize(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	n := math.Sqrt(s)
	if n < 1e-12 {
		return n
	}
	for i := range v {
		v[i] /= n
	}
	return n
}

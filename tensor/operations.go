package tensor

import (
	"math"

	"github.com/pkg/errors"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1 == nil || t2 == nil {
		return errors.New("nil tensor")
	}
	if !sameShape(t1.Shape, t2.Shape) {
		return errors.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func elementwise(t1, t2 *Tensor, op func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out := Zeros(t1.Shape...)
	for i := range out.Data {
		out.Data[i] = op(t1.Data[i], t2.Data[i])
	}
	return out, nil
}

// Add returns t1 + t2.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

// Sub returns t1 - t2.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

// Mul returns the elementwise product t1 * t2.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// Scale returns s*t.
func Scale(t *Tensor, s float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// Lerp returns (1-w)*a + w*b.
func Lerp(a, b *Tensor, w float32) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return (1-w)*x + w*y })
}

// Apply returns fn applied to every element.
func Apply(t *Tensor, fn func(float32) float32) *Tensor {
	out := Zeros(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = fn(v)
	}
	return out
}

// Clamp limits every element of t to [lo, hi] in place.
func Clamp(t *Tensor, lo, hi float32) {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
}

// Tanh returns the elementwise hyperbolic tangent.
func Tanh(t *Tensor) *Tensor {
	return Apply(t, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

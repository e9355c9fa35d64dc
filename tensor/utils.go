package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Reshape returns a tensor sharing t's data with a new shape.
// A single -1 dimension is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	neg := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if neg >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			neg = i
		case dim <= 0:
			return nil, errors.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}

	n := len(t.Data)
	if neg >= 0 {
		if n%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into %v", n, newShape)
		}
		shape[neg] = n / known
		known *= shape[neg]
	}
	if known != n {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", n, shape, known)
	}

	return &Tensor{Shape: shape, Strides: calculateStrides(shape), Data: t.Data}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Strides: calculateStrides(shape), Data: data}
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the number of axes.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Rows returns the size of the leading axis.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowLen returns the number of elements per leading index.
func (t *Tensor) RowLen() int {
	if len(t.Shape) == 0 {
		return 0
	}
	if len(t.Shape) == 1 {
		return 1
	}
	return calculateNumElements(t.Shape[1:])
}

// Row returns the i-th sample as a slice into t's storage.
func (t *Tensor) Row(i int) []float32 {
	n := t.RowLen()
	return t.Data[i*n : (i+1)*n]
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, errors.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, errors.Errorf("index %d out of range for dimension %d (size %d)", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return t.Data[idx], nil
}

// AllClose reports whether t and other have the same shape and every element
// differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if other == nil || !sameShape(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Norm returns the L2 norm of all elements.
func (t *Tensor) Norm() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s)
}

// RowNorms returns the L2 norm of every sample.
func (t *Tensor) RowNorms() []float64 {
	out := make([]float64, t.Rows())
	for i := range out {
		var s float64
		for _, v := range t.Row(i) {
			s += float64(v) * float64(v)
		}
		out[i] = math.Sqrt(s)
	}
	return out
}

// Mean returns the mean of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s / float64(len(t.Data))
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", v))
	}
	sb.WriteString("]")
	return sb.String()
}

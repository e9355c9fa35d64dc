package tensor

import (
	"math/rand"

	"github.com/pkg/errors"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, errors.Errorf("data length mismatch: shape %v needs %d elements, got %d", shape, n, len(data))
	}

	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Strides: calculateStrides(s), Data: data}, nil
}

// MustNew is New for shapes and data that are known to agree.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return MustNew(shape, make([]float32, calculateNumElements(shape)))
}

// Full creates a tensor filled with value.
func Full(value float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// RandomNormal draws every element from N(mean, std^2) using rng.
func RandomNormal(rng *rand.Rand, mean, std float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t
}

// RandomUniform draws every element from U[lo, hi) using rng.
func RandomUniform(rng *rand.Rand, lo, hi float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float32()
	}
	return t
}

// TruncatedNormal draws from N(0,1) and resamples every value whose magnitude
// exceeds threshold, then scales by threshold.
func TruncatedNormal(rng *rand.Rand, threshold float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		v := float32(rng.NormFloat64())
		for v > threshold || v < -threshold {
			v = float32(rng.NormFloat64())
		}
		t.Data[i] = v * threshold
	}
	return t
}

// FromRows stacks equally sized rows into a [len(rows), len(rows[0])] tensor.
func FromRows(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows given")
	}
	cols := len(rows[0])
	data := make([]float32, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, errors.Errorf("row %d has %d columns, expected %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return New([]int{len(rows), cols}, data)
}

package tensor

import (
	"github.com/pkg/errors"
)

func require2D(t *Tensor, name string) error {
	if t == nil {
		return errors.Errorf("%s is nil", name)
	}
	if len(t.Shape) != 2 {
		return errors.Errorf("%s must be 2-D, got shape %v", name, t.Shape)
	}
	return nil
}

// MatMul computes a[n,k] x b[k,m].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if err := require2D(a, "a"); err != nil {
		return nil, err
	}
	if err := require2D(b, "b"); err != nil {
		return nil, err
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		return nil, errors.Errorf("incompatible shapes for MatMul: %v x %v", a.Shape, b.Shape)
	}

	out := Zeros(n, m)
	for i := 0; i < n; i++ {
		row := a.Data[i*k : (i+1)*k]
		dst := out.Data[i*m : (i+1)*m]
		for p, av := range row {
			if av == 0 {
				continue
			}
			src := b.Data[p*m : (p+1)*m]
			for j, bv := range src {
				dst[j] += av * bv
			}
		}
	}
	return out, nil
}

// MatMulTransB computes a[n,k] x b[m,k]^T.
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	if err := require2D(a, "a"); err != nil {
		return nil, err
	}
	if err := require2D(b, "b"); err != nil {
		return nil, err
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[0]
	if b.Shape[1] != k {
		return nil, errors.Errorf("incompatible shapes for MatMulTransB: %v x %v^T", a.Shape, b.Shape)
	}

	out := Zeros(n, m)
	for i := 0; i < n; i++ {
		row := a.Data[i*k : (i+1)*k]
		for j := 0; j < m; j++ {
			col := b.Data[j*k : (j+1)*k]
			var s float32
			for p := range row {
				s += row[p] * col[p]
			}
			out.Data[i*m+j] = s
		}
	}
	return out, nil
}

// MatMulTransA computes a[k,n]^T x b[k,m].
func MatMulTransA(a, b *Tensor) (*Tensor, error) {
	if err := require2D(a, "a"); err != nil {
		return nil, err
	}
	if err := require2D(b, "b"); err != nil {
		return nil, err
	}
	k, n, m := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		return nil, errors.Errorf("incompatible shapes for MatMulTransA: %v^T x %v", a.Shape, b.Shape)
	}

	out := Zeros(n, m)
	for p := 0; p < k; p++ {
		arow := a.Data[p*n : (p+1)*n]
		brow := b.Data[p*m : (p+1)*m]
		for i, av := range arow {
			if av == 0 {
				continue
			}
			dst := out.Data[i*m : (i+1)*m]
			for j, bv := range brow {
				dst[j] += av * bv
			}
		}
	}
	return out, nil
}

// Transpose swaps the two axes of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if err := require2D(t, "t"); err != nil {
		return nil, err
	}
	r, c := t.Shape[0], t.Shape[1]
	out := Zeros(c, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[j*r+i] = t.Data[i*c+j]
		}
	}
	return out, nil
}

// SliceRows returns rows [lo, hi) as a view sharing t's storage.
func (t *Tensor) SliceRows(lo, hi int) *Tensor {
	rowLen := t.RowLen()
	shape := append([]int{hi - lo}, t.Shape[1:]...)
	return &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Data:    t.Data[lo*rowLen : hi*rowLen],
	}
}

// Gather copies the rows at the given indices into a new tensor.
func (t *Tensor) Gather(indices []int) *Tensor {
	rowLen := t.RowLen()
	shape := append([]int{len(indices)}, t.Shape[1:]...)
	out := Zeros(shape...)
	for i, idx := range indices {
		copy(out.Data[i*rowLen:(i+1)*rowLen], t.Row(idx))
	}
	return out
}

// ConcatRows stacks tensors along the leading axis. Trailing shapes must agree.
func ConcatRows(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	tail := ts[0].Shape[1:]
	rows := 0
	for i, t := range ts {
		if !sameShape(t.Shape[1:], tail) {
			return nil, errors.Errorf("tensor %d has trailing shape %v, expected %v", i, t.Shape[1:], tail)
		}
		rows += t.Shape[0]
	}

	data := make([]float32, 0, rows*ts[0].RowLen())
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	return New(append([]int{rows}, tail...), data)
}

// SumRows returns the column-wise sum of a 2-D tensor as a [cols] tensor.
func SumRows(t *Tensor) (*Tensor, error) {
	if err := require2D(t, "t"); err != nil {
		return nil, err
	}
	c := t.Shape[1]
	out := Zeros(c)
	for i := 0; i < t.Shape[0]; i++ {
		for j, v := range t.Data[i*c : (i+1)*c] {
			out.Data[j] += v
		}
	}
	return out, nil
}

package layers

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// EmbeddingLayer maps class indices to learned vectors.
type EmbeddingLayer struct {
	Name string
	Num  int
	Dim  int
	W    *Param
}

// NewEmbedding allocates a [num, dim] lookup table.
func NewEmbedding(name string, num, dim int) *EmbeddingLayer {
	return &EmbeddingLayer{Name: name, Num: num, Dim: dim, W: NewParam(name+".weight", num, dim)}
}

// Parameters returns the lookup table.
func (e *EmbeddingLayer) Parameters() []*Param {
	return []*Param{e.W}
}

// Forward returns the rows for labels as an [N, Dim] tensor.
func (e *EmbeddingLayer) Forward(labels []int) (*tensor.Tensor, error) {
	out := tensor.Zeros(len(labels), e.Dim)
	for i, y := range labels {
		if y < 0 || y >= e.Num {
			return nil, errors.Errorf("%s: label %d out of range [0, %d)", e.Name, y, e.Num)
		}
		copy(out.Row(i), e.W.Data[y*e.Dim:(y+1)*e.Dim])
	}
	return out, nil
}

// Backward scatters g back into the rows selected by labels.
func (e *EmbeddingLayer) Backward(labels []int, g *tensor.Tensor, grads Gradients) {
	if grads == nil {
		return
	}
	dst := grads.Slot(e.W)
	for i, y := range labels {
		row := g.Row(i)
		for j, v := range row {
			dst[y*e.Dim+j] += v
		}
	}
}

// Clone returns a deep copy.
func (e *EmbeddingLayer) Clone() *EmbeddingLayer {
	return &EmbeddingLayer{Name: e.Name, Num: e.Num, Dim: e.Dim, W: cloneParam(e.W)}
}

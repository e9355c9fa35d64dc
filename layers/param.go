package layers

import (
	"github.com/pkg/errors"
)

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParam allocates a zeroed parameter and gradient.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Param{
		Name:  name,
		Shape: s,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// Numel returns the number of elements.
func (p *Param) Numel() int {
	return len(p.Data)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParameters returns the total number of trainable scalars.
func CountParameters(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Numel()
	}
	return n
}

// CopyParams copies values from src into dst. Both lists must be structurally
// identical.
func CopyParams(dst, src []*Param) error {
	if len(dst) != len(src) {
		return errors.Errorf("parameter count mismatch: %d vs %d", len(dst), len(src))
	}
	for i := range dst {
		if len(dst[i].Data) != len(src[i].Data) {
			return errors.Errorf("parameter %s has %d elements, source %s has %d",
				dst[i].Name, len(dst[i].Data), src[i].Name, len(src[i].Data))
		}
		copy(dst[i].Data, src[i].Data)
	}
	return nil
}

// Gradients collects parameter gradients produced by one backward call.
// Keeping them apart from Param.Grad lets callers decide which model's
// gradients to keep and lets shards be reduced in a fixed order.
type Gradients map[*Param][]float32

// Slot returns the gradient buffer for p, allocating it on first use.
func (g Gradients) Slot(p *Param) []float32 {
	buf, ok := g[p]
	if !ok {
		buf = make([]float32, len(p.Data))
		g[p] = buf
	}
	return buf
}

// Merge adds every gradient in other into g.
func (g Gradients) Merge(other Gradients) {
	for p, src := range other {
		dst := g.Slot(p)
		for i, v := range src {
			dst[i] += v
		}
	}
}

// Scale multiplies every gradient by s.
func (g Gradients) Scale(s float32) {
	for _, buf := range g {
		for i := range buf {
			buf[i] *= s
		}
	}
}

// Apply accumulates the gradients of the given parameters into Param.Grad.
// Gradients for parameters not in the list are ignored.
func (g Gradients) Apply(params []*Param) {
	for _, p := range params {
		buf, ok := g[p]
		if !ok {
			continue
		}
		for i, v := range buf {
			p.Grad[i] += v
		}
	}
}

func cloneParam(p *Param) *Param {
	c := NewParam(p.Name, p.Shape...)
	copy(c.Data, p.Data)
	return c
}

package training

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

const (
	translationRatio = 0.125
	cutoutRatio      = 0.5
)

// augOp is one augmentation with its random parameters already drawn. For
// fixed parameters every op is affine in its input, so backward is the
// transpose of its linear part.
type augOp interface {
	forward(x *tensor.Tensor) *tensor.Tensor
	backward(g *tensor.Tensor) *tensor.Tensor
}

// Augmenter draws differentiable augmentations for image batches [N, C, H, W].
// Policy tokens are color, translation, cutout and flip.
type Augmenter struct {
	policy []string
}

// NewAugmenter parses a comma separated policy such as "color,translation,cutout".
func NewAugmenter(policy string) (*Augmenter, error) {
	a := &Augmenter{}
	for _, tok := range strings.Split(policy, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch tok {
		case "color", "translation", "cutout", "flip":
		default:
			return nil, errors.Errorf("unknown augmentation %q", tok)
		}
		a.policy = append(a.policy, tok)
	}
	if len(a.policy) == 0 {
		return nil, errors.New("empty augmentation policy")
	}
	return a, nil
}

// Policy returns the parsed tokens.
func (a *Augmenter) Policy() []string { return a.policy }

// Augmented is a drawn augmentation ready to run forward and backward.
type Augmented struct {
	ops []augOp
}

// Draw samples the random parameters for a batch of the given shape.
func (a *Augmenter) Draw(shape []int, rng *rand.Rand) (*Augmented, error) {
	if len(shape) != 4 {
		return nil, errors.Errorf("augmentation expects [N, C, H, W], got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	aug := &Augmented{}
	for _, tok := range a.policy {
		switch tok {
		case "color":
			aug.ops = append(aug.ops, drawBrightness(n, rng), drawSaturation(n, c, h, w, rng), drawContrast(n, rng))
		case "translation":
			aug.ops = append(aug.ops, drawTranslation(n, c, h, w, rng))
		case "cutout":
			aug.ops = append(aug.ops, drawCutout(n, c, h, w, rng))
		case "flip":
			aug.ops = append(aug.ops, drawFlip(n, c, h, w, rng))
		}
	}
	return aug, nil
}

// Apply draws an augmentation for x and runs it.
func (a *Augmenter) Apply(x *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, *Augmented, error) {
	aug, err := a.Draw(x.Shape, rng)
	if err != nil {
		return nil, nil, err
	}
	y, err := aug.Forward(x)
	return y, aug, err
}

// Forward applies the drawn ops in order.
func (a *Augmented) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, errors.Errorf("augmentation expects [N, C, H, W], got %v", x.Shape)
	}
	for _, op := range a.ops {
		x = op.forward(x)
	}
	return x, nil
}

// Backward maps dL/d(output) to dL/d(input).
func (a *Augmented) Backward(g *tensor.Tensor) *tensor.Tensor {
	for i := len(a.ops) - 1; i >= 0; i-- {
		g = a.ops[i].backward(g)
	}
	return g
}

// brightness adds a per-sample offset in [-0.5, 0.5).
type brightness struct{ shift []float32 }

func drawBrightness(n int, rng *rand.Rand) augOp {
	b := brightness{shift: make([]float32, n)}
	for i := range b.shift {
		b.shift[i] = rng.Float32() - 0.5
	}
	return b
}

func (b brightness) forward(x *tensor.Tensor) *tensor.Tensor {
	y := x.Clone()
	for i, s := range b.shift {
		row := y.Row(i)
		for j := range row {
			row[j] += s
		}
	}
	return y
}

func (b brightness) backward(g *tensor.Tensor) *tensor.Tensor { return g }

// blend computes y = s*x + (1-s)*mean(x) where the mean runs over groups of
// elements. It covers saturation (mean over channels per pixel) and
// contrast (mean over the whole sample).
type blend struct {
	factor []float32
	// groups returns, for sample row r, the index sets averaged together.
	groups func(row []float32, fn func(idx []int))
}

func (b blend) forward(x *tensor.Tensor) *tensor.Tensor {
	y := x.Clone()
	for i, s := range b.factor {
		src, dst := x.Row(i), y.Row(i)
		b.groups(src, func(idx []int) {
			var m float32
			for _, k := range idx {
				m += src[k]
			}
			m /= float32(len(idx))
			for _, k := range idx {
				dst[k] = s*src[k] + (1-s)*m
			}
		})
	}
	return y
}

func (b blend) backward(g *tensor.Tensor) *tensor.Tensor {
	out := g.Clone()
	for i, s := range b.factor {
		src, dst := g.Row(i), out.Row(i)
		b.groups(src, func(idx []int) {
			var sum float32
			for _, k := range idx {
				sum += src[k]
			}
			share := (1 - s) * sum / float32(len(idx))
			for _, k := range idx {
				dst[k] = s*src[k] + share
			}
		})
	}
	return out
}

// drawSaturation scales the distance to the per-pixel channel mean by [0, 2).
func drawSaturation(n, c, h, w int, rng *rand.Rand) augOp {
	b := blend{factor: make([]float32, n)}
	for i := range b.factor {
		b.factor[i] = rng.Float32() * 2
	}
	hw := h * w
	idx := make([]int, c)
	b.groups = func(_ []float32, fn func([]int)) {
		for p := 0; p < hw; p++ {
			for ch := 0; ch < c; ch++ {
				idx[ch] = ch*hw + p
			}
			fn(idx)
		}
	}
	return b
}

// drawContrast scales the distance to the per-sample mean by [0.5, 1.5).
func drawContrast(n int, rng *rand.Rand) augOp {
	b := blend{factor: make([]float32, n)}
	for i := range b.factor {
		b.factor[i] = rng.Float32() + 0.5
	}
	var idx []int
	b.groups = func(row []float32, fn func([]int)) {
		if len(idx) != len(row) {
			idx = make([]int, len(row))
			for k := range idx {
				idx[k] = k
			}
		}
		fn(idx)
	}
	return b
}

// remap moves pixels: y[c, i, j] = x[c, src(i, j)] or 0 when src is outside
// the image. It covers translation and flip.
type remap struct {
	c, h, w int
	// src[sample][i*w+j] is the source pixel index or -1.
	src [][]int
}

func (r remap) forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.Zeros(x.Shape...)
	hw := r.h * r.w
	for i, m := range r.src {
		in, out := x.Row(i), y.Row(i)
		for ch := 0; ch < r.c; ch++ {
			for p, s := range m {
				if s >= 0 {
					out[ch*hw+p] = in[ch*hw+s]
				}
			}
		}
	}
	return y
}

func (r remap) backward(g *tensor.Tensor) *tensor.Tensor {
	out := tensor.Zeros(g.Shape...)
	hw := r.h * r.w
	for i, m := range r.src {
		in, dst := g.Row(i), out.Row(i)
		for ch := 0; ch < r.c; ch++ {
			for p, s := range m {
				if s >= 0 {
					dst[ch*hw+s] += in[ch*hw+p]
				}
			}
		}
	}
	return out
}

// drawTranslation shifts each sample by up to 1/8 of its size with zero
// padding.
func drawTranslation(n, c, h, w int, rng *rand.Rand) augOp {
	sh := int(float64(h)*translationRatio + 0.5)
	sw := int(float64(w)*translationRatio + 0.5)
	r := remap{c: c, h: h, w: w, src: make([][]int, n)}
	for s := range r.src {
		tx := rng.Intn(2*sh+1) - sh
		ty := rng.Intn(2*sw+1) - sw
		m := make([]int, h*w)
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				si, sj := i+tx, j+ty
				if si < 0 || si >= h || sj < 0 || sj >= w {
					m[i*w+j] = -1
				} else {
					m[i*w+j] = si*w + sj
				}
			}
		}
		r.src[s] = m
	}
	return r
}

// drawFlip mirrors each sample horizontally with probability 1/2.
func drawFlip(n, c, h, w int, rng *rand.Rand) augOp {
	r := remap{c: c, h: h, w: w, src: make([][]int, n)}
	for s := range r.src {
		flip := rng.Intn(2) == 1
		m := make([]int, h*w)
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				sj := j
				if flip {
					sj = w - 1 - j
				}
				m[i*w+j] = i*w + sj
			}
		}
		r.src[s] = m
	}
	return r
}

// mask multiplies every channel of a sample by a fixed 0/1 pixel mask.
type mask struct {
	c, hw int
	keep  [][]float32
}

func (m mask) apply(x *tensor.Tensor) *tensor.Tensor {
	y := x.Clone()
	for i, k := range m.keep {
		row := y.Row(i)
		for ch := 0; ch < m.c; ch++ {
			for p, v := range k {
				row[ch*m.hw+p] *= v
			}
		}
	}
	return y
}

func (m mask) forward(x *tensor.Tensor) *tensor.Tensor  { return m.apply(x) }
func (m mask) backward(g *tensor.Tensor) *tensor.Tensor { return m.apply(g) }

// drawCutout zeroes a square of half the image size at a random centre.
func drawCutout(n, c, h, w int, rng *rand.Rand) augOp {
	ch := int(float64(h)*cutoutRatio + 0.5)
	cw := int(float64(w)*cutoutRatio + 0.5)
	m := mask{c: c, hw: h * w, keep: make([][]float32, n)}
	for s := range m.keep {
		ox := rng.Intn(h + (1 - ch%2))
		oy := rng.Intn(w + (1 - cw%2))
		k := make([]float32, h*w)
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				k[i*w+j] = 1
				di, dj := i-(ox-ch/2), j-(oy-cw/2)
				if di >= 0 && di < ch && dj >= 0 && dj < cw {
					k[i*w+j] = 0
				}
			}
		}
		m.keep[s] = k
	}
	return m
}

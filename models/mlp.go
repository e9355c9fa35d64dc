package models

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/tensor"
)

func init() {
	Register("mlp", mlpArchitecture{})
}

// mlpArchitecture is a two-layer fully connected GAN. It is small enough to
// train on a CPU and implements every optional head the training strategies use.
type mlpArchitecture struct{}

func (mlpArchitecture) Supports(imgSize int) error {
	if imgSize < 8 || imgSize > 64 || imgSize&(imgSize-1) != 0 {
		return errors.Errorf("mlp supports power-of-two image sizes from 8 to 64, got %d", imgSize)
	}
	return nil
}

// BatchNorm is false: the mlp networks have no normalization statistics.
func (mlpArchitecture) BatchNorm() bool { return false }

func (a mlpArchitecture) NewGenerator(opts Options, rng *rand.Rand) (Generator, error) {
	if err := a.Supports(opts.ImgSize); err != nil {
		return nil, err
	}
	if opts.ZDim <= 0 || opts.Channels <= 0 || opts.GHiddenDim <= 0 {
		return nil, errors.Errorf("mlp generator needs positive z_dim, channels and hidden dim, got %d/%d/%d",
			opts.ZDim, opts.Channels, opts.GHiddenDim)
	}
	act, err := layers.ParseActivation(opts.GActivation)
	if err != nil {
		return nil, errors.Wrap(err, "generator")
	}
	initFn, err := layers.LookupInitializer(opts.GInit)
	if err != nil {
		return nil, err
	}

	g := &mlpGenerator{opts: opts, act: act}
	g.fc1 = layers.NewLinear("G.fc1", opts.ZDim, opts.GHiddenDim, true)
	g.fc2 = layers.NewLinear("G.fc2", opts.GHiddenDim, g.imageSize(), true)
	initFn(rng, g.fc1.W)
	initFn(rng, g.fc2.W)
	if opts.GConditional {
		if opts.NumClasses <= 0 {
			return nil, errors.New("conditional generator needs at least one class")
		}
		g.shared = layers.NewEmbedding("G.shared", opts.NumClasses, opts.GHiddenDim)
		layers.Normal02(rng, g.shared.W)
	}
	if opts.GSpectralNorm {
		g.fc1.EnableSpectralNorm(rng)
		g.fc2.EnableSpectralNorm(rng)
	}
	return g, nil
}

func (a mlpArchitecture) NewDiscriminator(opts Options, rng *rand.Rand) (Discriminator, error) {
	if err := a.Supports(opts.ImgSize); err != nil {
		return nil, err
	}
	if opts.Channels <= 0 || opts.DHiddenDim <= 0 {
		return nil, errors.Errorf("mlp discriminator needs positive channels and hidden dim, got %d/%d",
			opts.Channels, opts.DHiddenDim)
	}
	act, err := layers.ParseActivation(opts.DActivation)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator")
	}
	initFn, err := layers.LookupInitializer(opts.DInit)
	if err != nil {
		return nil, err
	}
	if (opts.DProjection || opts.DClassifier || opts.EmbedDim > 0) && opts.NumClasses <= 0 {
		return nil, errors.New("class-aware discriminator needs at least one class")
	}

	in := opts.Channels * opts.ImgSize * opts.ImgSize
	d := &mlpDiscriminator{opts: opts, act: act}
	d.fc1 = layers.NewLinear("D.fc1", in, opts.DHiddenDim, true)
	d.out = layers.NewLinear("D.out", opts.DHiddenDim, 1, true)
	initFn(rng, d.fc1.W)
	initFn(rng, d.out.W)
	linears := []*layers.Linear{d.fc1, d.out}

	if opts.DProjection {
		d.proj = layers.NewEmbedding("D.embedding", opts.NumClasses, opts.DHiddenDim)
		initFn(rng, d.proj.W)
	}
	if opts.DClassifier {
		d.cls = layers.NewLinear("D.classifier", opts.DHiddenDim, opts.NumClasses, true)
		initFn(rng, d.cls.W)
		linears = append(linears, d.cls)
	}
	if opts.EmbedDim > 0 {
		d.emb = layers.NewLinear("D.linear2", opts.DHiddenDim, opts.EmbedDim, true)
		initFn(rng, d.emb.W)
		d.proxy = layers.NewEmbedding("D.embedding_proxy", opts.NumClasses, opts.EmbedDim)
		initFn(rng, d.proxy.W)
		linears = append(linears, d.emb)
	}
	if opts.DSpectralNorm {
		for _, l := range linears {
			l.EnableSpectralNorm(rng)
		}
	}
	return d, nil
}

type mlpGenerator struct {
	opts   Options
	act    layers.Activation
	fc1    *layers.Linear
	fc2    *layers.Linear
	shared *layers.EmbeddingLayer
}

type genCache struct {
	z, pre, h, img *tensor.Tensor
	labels         []int
}

func (g *mlpGenerator) imageSize() int {
	return g.opts.Channels * g.opts.ImgSize * g.opts.ImgSize
}

func (g *mlpGenerator) ZDim() int { return g.opts.ZDim }
func (g *mlpGenerator) NumClasses() int { return g.opts.NumClasses }
func (g *mlpGenerator) Conditional() bool { return g.shared != nil }

func (g *mlpGenerator) ImageShape() []int {
	return []int{g.opts.Channels, g.opts.ImgSize, g.opts.ImgSize}
}

func (g *mlpGenerator) Parameters() []*layers.Param {
	ps := g.fc1.Parameters()
	if g.shared != nil {
		ps = append(ps, g.shared.Parameters()...)
	}
	return append(ps, g.fc2.Parameters()...)
}

func (g *mlpGenerator) Buffers() []*layers.Param {
	return append(g.fc1.Buffers(), g.fc2.Buffers()...)
}

func (g *mlpGenerator) Spec() *layers.ModelSpec {
	specs := []layers.LayerSpec{layers.DenseSpec(g.fc1)}
	if g.shared != nil {
		specs = append(specs, layers.EmbeddingSpec(g.shared))
	}
	specs = append(specs,
		layers.ActivationSpec(g.act, "G.act"),
		layers.DenseSpec(g.fc2),
		layers.ActivationSpec(layers.TanhActivation, "G.tanh"))
	return layers.NewModelSpec("Generator", specs...)
}

func (g *mlpGenerator) PowerIterate() {
	g.fc1.PowerIterate()
	g.fc2.PowerIterate()
}

func (g *mlpGenerator) SpectralNorms() map[string]float64 {
	return spectralNorms(g.fc1, g.fc2)
}

func (g *mlpGenerator) Shared(labels []int) (*tensor.Tensor, error) {
	if g.shared == nil {
		return nil, nil
	}
	return g.shared.Forward(labels)
}

func (g *mlpGenerator) Forward(z *tensor.Tensor, labels []int) (*tensor.Tensor, Cache, error) {
	var shared *tensor.Tensor
	if g.shared != nil {
		if len(labels) != z.Rows() {
			return nil, nil, errors.Errorf("generator: %d labels for %d latents", len(labels), z.Rows())
		}
		var err error
		if shared, err = g.shared.Forward(labels); err != nil {
			return nil, nil, err
		}
	}
	c, err := g.forward(z, shared)
	if err != nil {
		return nil, nil, err
	}
	c.labels = labels
	return c.img, c, nil
}

func (g *mlpGenerator) Generate(z, shared *tensor.Tensor) (*tensor.Tensor, error) {
	c, err := g.forward(z, shared)
	if err != nil {
		return nil, err
	}
	return c.img, nil
}

func (g *mlpGenerator) forward(z, shared *tensor.Tensor) (*genCache, error) {
	if z.Dim() != 2 || z.Shape[1] != g.opts.ZDim {
		return nil, errors.Errorf("generator: expected latents [N, %d], got %v", g.opts.ZDim, z.Shape)
	}
	pre, err := g.fc1.Forward(z)
	if err != nil {
		return nil, err
	}
	if shared != nil {
		if err := tensor.AddInPlace(pre, shared); err != nil {
			return nil, errors.Wrap(err, "generator shared embedding")
		}
	}
	h := g.act.Forward(pre)
	out, err := g.fc2.Forward(h)
	if err != nil {
		return nil, err
	}
	img, err := tensor.Tanh(out).Reshape(z.Rows(), g.opts.Channels, g.opts.ImgSize, g.opts.ImgSize)
	if err != nil {
		return nil, err
	}
	return &genCache{z: z, pre: pre, h: h, img: img}, nil
}

func (g *mlpGenerator) Backward(cache Cache, gradImg *tensor.Tensor) (*tensor.Tensor, layers.Gradients, error) {
	c, ok := cache.(*genCache)
	if !ok {
		return nil, nil, errors.Errorf("generator: unexpected cache type %T", cache)
	}
	if gradImg.Numel() != c.img.Numel() {
		return nil, nil, errors.Errorf("generator: gradient shape %v does not match image %v", gradImg.Shape, c.img.Shape)
	}
	n := c.z.Rows()
	gOut := tensor.Zeros(n, g.imageSize())
	for i, v := range gradImg.Data {
		y := c.img.Data[i]
		gOut.Data[i] = v * (1 - y*y)
	}

	grads := layers.Gradients{}
	gh, err := g.fc2.Backward(c.h, gOut, grads)
	if err != nil {
		return nil, nil, err
	}
	gpre := g.act.Backward(c.pre, gh)
	if g.shared != nil && c.labels != nil {
		g.shared.Backward(c.labels, gpre, grads)
	}
	gz, err := g.fc1.Backward(c.z, gpre, grads)
	if err != nil {
		return nil, nil, err
	}
	return gz, grads, nil
}

func (g *mlpGenerator) Clone() Generator {
	c := &mlpGenerator{opts: g.opts, act: g.act, fc1: g.fc1.Clone(), fc2: g.fc2.Clone()}
	if g.shared != nil {
		c.shared = g.shared.Clone()
	}
	return c
}

type mlpDiscriminator struct {
	opts  Options
	act   layers.Activation
	fc1   *layers.Linear
	out   *layers.Linear
	proj  *layers.EmbeddingLayer
	cls   *layers.Linear
	emb   *layers.Linear
	proxy *layers.EmbeddingLayer
}

type discCache struct {
	xShape     []int
	x, pre, h  *tensor.Tensor
	labels     []int
	projRows   *tensor.Tensor
	embed      *tensor.Tensor
	embedNorms []float64
	proxy      *tensor.Tensor
	proxyNorms []float64
}

func (d *mlpDiscriminator) FeatureDim() int { return d.opts.DHiddenDim }

func (d *mlpDiscriminator) EmbedDim() int {
	if d.emb == nil {
		return 0
	}
	return d.opts.EmbedDim
}

func (d *mlpDiscriminator) linears() []*layers.Linear {
	ls := []*layers.Linear{d.fc1, d.out}
	if d.cls != nil {
		ls = append(ls, d.cls)
	}
	if d.emb != nil {
		ls = append(ls, d.emb)
	}
	return ls
}

func (d *mlpDiscriminator) Parameters() []*layers.Param {
	ps := d.fc1.Parameters()
	if d.proj != nil {
		ps = append(ps, d.proj.Parameters()...)
	}
	ps = append(ps, d.out.Parameters()...)
	if d.cls != nil {
		ps = append(ps, d.cls.Parameters()...)
	}
	if d.emb != nil {
		ps = append(ps, d.emb.Parameters()...)
		ps = append(ps, d.proxy.Parameters()...)
	}
	return ps
}

func (d *mlpDiscriminator) Buffers() []*layers.Param {
	var bs []*layers.Param
	for _, l := range d.linears() {
		bs = append(bs, l.Buffers()...)
	}
	return bs
}

func (d *mlpDiscriminator) Spec() *layers.ModelSpec {
	specs := []layers.LayerSpec{layers.DenseSpec(d.fc1), layers.ActivationSpec(d.act, "D.act")}
	if d.proj != nil {
		specs = append(specs, layers.EmbeddingSpec(d.proj))
	}
	specs = append(specs, layers.DenseSpec(d.out))
	if d.cls != nil {
		specs = append(specs, layers.DenseSpec(d.cls))
	}
	if d.emb != nil {
		specs = append(specs, layers.DenseSpec(d.emb), layers.EmbeddingSpec(d.proxy))
	}
	return layers.NewModelSpec("Discriminator", specs...)
}

func (d *mlpDiscriminator) PowerIterate() {
	for _, l := range d.linears() {
		l.PowerIterate()
	}
}

func (d *mlpDiscriminator) SpectralNorms() map[string]float64 {
	return spectralNorms(d.linears()...)
}

func (d *mlpDiscriminator) flatten(x *tensor.Tensor) (*tensor.Tensor, error) {
	in := d.fc1.In
	if x.Numel() != x.Rows()*in {
		return nil, errors.Errorf("discriminator: expected %d values per image, got shape %v", in, x.Shape)
	}
	return x.Reshape(x.Rows(), in)
}

func (d *mlpDiscriminator) needsLabels() bool {
	return d.proj != nil || d.proxy != nil
}

func (d *mlpDiscriminator) Forward(x *tensor.Tensor, labels []int) (*Output, Cache, error) {
	x2, err := d.flatten(x)
	if err != nil {
		return nil, nil, err
	}
	n := x2.Rows()
	if d.needsLabels() && len(labels) != n {
		return nil, nil, errors.Errorf("discriminator: %d labels for %d images", len(labels), n)
	}

	pre, err := d.fc1.Forward(x2)
	if err != nil {
		return nil, nil, err
	}
	h := d.act.Forward(pre)
	c := &discCache{xShape: x.Shape, x: x2, pre: pre, h: h, labels: labels}
	out := &Output{Features: h}

	s, err := d.out.Forward(h)
	if err != nil {
		return nil, nil, err
	}
	score, _ := s.Reshape(n)
	if d.proj != nil {
		if c.projRows, err = d.proj.Forward(labels); err != nil {
			return nil, nil, err
		}
		for i := 0; i < n; i++ {
			score.Data[i] += dot(c.projRows.Row(i), h.Row(i))
		}
	}
	out.Score = score

	if d.cls != nil {
		if out.Logits, err = d.cls.Forward(h); err != nil {
			return nil, nil, err
		}
	}
	if d.emb != nil {
		raw, err := d.emb.Forward(h)
		if err != nil {
			return nil, nil, err
		}
		praw, err := d.proxy.Forward(labels)
		if err != nil {
			return nil, nil, err
		}
		if d.opts.NormalizeEmbed {
			c.embed, c.embedNorms = layers.L2NormalizeRows(raw)
			c.proxy, c.proxyNorms = layers.L2NormalizeRows(praw)
		} else {
			c.embed, c.proxy = raw, praw
		}
		out.Embed, out.Proxy = c.embed, c.proxy
	}
	return out, c, nil
}

func (d *mlpDiscriminator) Backward(cache Cache, grad OutputGrad) (*tensor.Tensor, layers.Gradients, error) {
	c, ok := cache.(*discCache)
	if !ok {
		return nil, nil, errors.Errorf("discriminator: unexpected cache type %T", cache)
	}
	n := c.h.Rows()
	grads := layers.Gradients{}
	gh := tensor.Zeros(n, d.opts.DHiddenDim)

	if grad.Score != nil {
		gs, err := grad.Score.Reshape(n, 1)
		if err != nil {
			return nil, nil, err
		}
		part, err := d.out.Backward(c.h, gs, grads)
		if err != nil {
			return nil, nil, err
		}
		if err := tensor.AddInPlace(gh, part); err != nil {
			return nil, nil, err
		}
		if d.proj != nil {
			gE := tensor.Zeros(n, d.opts.DHiddenDim)
			for i := 0; i < n; i++ {
				w := grad.Score.Data[i]
				hr, er, ghr, gEr := c.h.Row(i), c.projRows.Row(i), gh.Row(i), gE.Row(i)
				for j := range hr {
					ghr[j] += w * er[j]
					gEr[j] = w * hr[j]
				}
			}
			d.proj.Backward(c.labels, gE, grads)
		}
	}
	if grad.Logits != nil && d.cls != nil {
		part, err := d.cls.Backward(c.h, grad.Logits, grads)
		if err != nil {
			return nil, nil, err
		}
		if err := tensor.AddInPlace(gh, part); err != nil {
			return nil, nil, err
		}
	}
	if grad.Embed != nil && d.emb != nil {
		gRaw := grad.Embed
		if d.opts.NormalizeEmbed {
			gRaw = layers.L2NormalizeBackward(c.embed, c.embedNorms, grad.Embed)
		}
		part, err := d.emb.Backward(c.h, gRaw, grads)
		if err != nil {
			return nil, nil, err
		}
		if err := tensor.AddInPlace(gh, part); err != nil {
			return nil, nil, err
		}
	}
	if grad.Proxy != nil && d.proxy != nil {
		gRaw := grad.Proxy
		if d.opts.NormalizeEmbed {
			gRaw = layers.L2NormalizeBackward(c.proxy, c.proxyNorms, grad.Proxy)
		}
		d.proxy.Backward(c.labels, gRaw, grads)
	}

	gpre := d.act.Backward(c.pre, gh)
	gx, err := d.fc1.Backward(c.x, gpre, grads)
	if err != nil {
		return nil, nil, err
	}
	gx, err = gx.Reshape(c.xShape...)
	if err != nil {
		return nil, nil, err
	}
	return gx, grads, nil
}

// InputGradNorms computes ||d score_i / d x_i|| analytically. With a
// piecewise-linear activation the score is locally linear in x:
//
//	d score/dx = W1^T u,  u = (w_out + E_proj[y]) * act'(W1 x + b1)
//
// so the norm's parameter gradients follow in closed form. Activation
// derivatives are treated as locally constant.
func (d *mlpDiscriminator) InputGradNorms(x *tensor.Tensor, labels []int) ([]float64, func([]float64) layers.Gradients, error) {
	if !d.act.PiecewiseLinear() {
		return nil, nil, errors.Errorf("gradient penalty needs a piecewise-linear discriminator activation, got %s", d.act)
	}
	x2, err := d.flatten(x)
	if err != nil {
		return nil, nil, err
	}
	n := x2.Rows()
	if d.proj != nil && len(labels) != n {
		return nil, nil, errors.Errorf("discriminator: %d labels for %d images", len(labels), n)
	}
	pre, err := d.fc1.Forward(x2)
	if err != nil {
		return nil, nil, err
	}
	var projRows *tensor.Tensor
	if d.proj != nil {
		if projRows, err = d.proj.Forward(labels); err != nil {
			return nil, nil, err
		}
	}

	hidden := d.opts.DHiddenDim
	wOut := d.out.EffectiveWeight().Data
	slope := tensor.Zeros(n, hidden)
	u := tensor.Zeros(n, hidden)
	for i := 0; i < n; i++ {
		pr, sr, ur := pre.Row(i), slope.Row(i), u.Row(i)
		for j := range pr {
			sr[j] = d.act.Derivative(pr[j])
			w := wOut[j]
			if projRows != nil {
				w += projRows.Row(i)[j]
			}
			ur[j] = w * sr[j]
		}
	}
	w1 := d.fc1.EffectiveWeight()
	g, err := tensor.MatMul(u, w1)
	if err != nil {
		return nil, nil, err
	}
	norms := g.RowNorms()

	backward := func(weights []float64) layers.Gradients {
		grads := layers.Gradients{}
		gHat := tensor.Zeros(g.Shape...)
		uw := tensor.Zeros(u.Shape...)
		for i, nrm := range norms {
			if nrm == 0 || weights[i] == 0 {
				continue
			}
			gr, hr := g.Row(i), gHat.Row(i)
			for k := range gr {
				hr[k] = float32(float64(gr[k]) / nrm)
			}
			ur, wr := u.Row(i), uw.Row(i)
			for j := range ur {
				wr[j] = float32(weights[i]) * ur[j]
			}
		}

		// dn/dW1 = u ghat^T per sample
		dW1, _ := tensor.MatMulTransA(uw, gHat)
		scale1 := float32(1 / d.fc1.Sigma())
		dst := grads.Slot(d.fc1.W)
		for k, v := range dW1.Data {
			dst[k] += v * scale1
		}

		// dn/du = W1 ghat, then through u = (w_out + E_y) * slope
		v, _ := tensor.MatMulTransB(gHat, w1)
		dU := tensor.Zeros(n, hidden)
		for i := 0; i < n; i++ {
			vr, sr, dr := v.Row(i), slope.Row(i), dU.Row(i)
			for j := range vr {
				dr[j] = float32(weights[i]) * vr[j] * sr[j]
			}
		}
		dOut, _ := tensor.SumRows(dU)
		scaleOut := float32(1 / d.out.Sigma())
		dstOut := grads.Slot(d.out.W)
		for j, val := range dOut.Data {
			dstOut[j] += val * scaleOut
		}
		if d.proj != nil {
			d.proj.Backward(labels, dU, grads)
		}
		return grads
	}
	return norms, backward, nil
}

func spectralNorms(ls ...*layers.Linear) map[string]float64 {
	out := map[string]float64{}
	for _, l := range ls {
		if l.SpectralNorm() {
			out[l.Name] = l.Sigma()
		}
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

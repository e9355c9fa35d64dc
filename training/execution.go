package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/async"
	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/metrics"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/tensor"
)

// ExecutionStrategy decides how a batch is split across compute devices.
// Run calls fn once per shard with the half-open row range [start, end) and
// returns after every shard has finished, which is the synchronisation point
// between phases. fn must only read model parameters.
type ExecutionStrategy interface {
	Devices() int
	Run(n int, fn func(shard, start, end int) error) error
}

// SingleDevice runs every batch as one shard on the calling goroutine.
type SingleDevice struct{}

func (SingleDevice) Devices() int { return 1 }

func (SingleDevice) Run(n int, fn func(shard, start, end int) error) error {
	return fn(0, 0, n)
}

// DataParallel splits each batch into contiguous shards processed
// concurrently, one goroutine per device replica.
type DataParallel struct {
	devices int
}

// NewDataParallel returns a strategy over the given number of devices.
func NewDataParallel(devices int) (*DataParallel, error) {
	if devices < 1 {
		return nil, errors.Errorf("data parallel needs at least one device, got %d", devices)
	}
	return &DataParallel{devices: devices}, nil
}

func (dp *DataParallel) Devices() int { return dp.devices }

func (dp *DataParallel) Run(n int, fn func(shard, start, end int) error) error {
	chunks := async.Chunks(n, dp.devices)
	return async.ForEach(len(chunks), dp.devices, func(i int) error {
		return fn(i, chunks[i][0], chunks[i][1])
	})
}

// NewExecutionStrategy picks SingleDevice for one device and DataParallel
// otherwise.
func NewExecutionStrategy(devices int) (ExecutionStrategy, error) {
	if devices <= 1 {
		return SingleDevice{}, nil
	}
	return NewDataParallel(devices)
}

type shardState struct {
	start, end int
	cache      models.Cache
}

func sliceLabels(labels []int, start, end int) []int {
	if labels == nil {
		return nil
	}
	return labels[start:end]
}

func sliceRows(t *tensor.Tensor, start, end int) *tensor.Tensor {
	if t == nil {
		return nil
	}
	return t.SliceRows(start, end)
}

func gather(parts []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(parts) == 0 || parts[0] == nil {
		return nil, nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return tensor.ConcatRows(parts...)
}

func mergeInOrder(parts []layers.Gradients) layers.Gradients {
	out := layers.Gradients{}
	for _, g := range parts {
		out.Merge(g)
	}
	return out
}

func shardCount(exec ExecutionStrategy, n int) int {
	return len(async.Chunks(n, exec.Devices()))
}

// generatorForward runs G on z in shards and gathers the images.
func generatorForward(exec ExecutionStrategy, g models.Generator, z *tensor.Tensor, labels []int) (*tensor.Tensor, []shardState, error) {
	n := z.Rows()
	k := shardCount(exec, n)
	imgs := make([]*tensor.Tensor, k)
	shards := make([]shardState, k)
	err := exec.Run(n, func(s, start, end int) error {
		img, cache, err := g.Forward(z.SliceRows(start, end), sliceLabels(labels, start, end))
		if err != nil {
			return err
		}
		imgs[s] = img
		shards[s] = shardState{start: start, end: end, cache: cache}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "generator forward")
	}
	img, err := gather(imgs)
	return img, shards, err
}

// generatorBackward returns dL/dz and G's gradients, reduced in shard order.
func generatorBackward(exec ExecutionStrategy, g models.Generator, shards []shardState, gradImg *tensor.Tensor) (*tensor.Tensor, layers.Gradients, error) {
	gz := make([]*tensor.Tensor, len(shards))
	grads := make([]layers.Gradients, len(shards))
	err := exec.Run(gradImg.Rows(), func(s, start, end int) error {
		sh := shards[s]
		if sh.start != start || sh.end != end {
			return errors.Errorf("shard %d covers [%d, %d), forward covered [%d, %d)", s, start, end, sh.start, sh.end)
		}
		gzs, gs, err := g.Backward(sh.cache, gradImg.SliceRows(start, end))
		if err != nil {
			return err
		}
		gz[s], grads[s] = gzs, gs
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "generator backward")
	}
	out, err := gather(gz)
	return out, mergeInOrder(grads), err
}

// discriminatorForward runs D on x in shards and gathers every output head.
func discriminatorForward(exec ExecutionStrategy, d models.Discriminator, x *tensor.Tensor, labels []int) (*models.Output, []shardState, error) {
	n := x.Rows()
	k := shardCount(exec, n)
	outs := make([]*models.Output, k)
	shards := make([]shardState, k)
	err := exec.Run(n, func(s, start, end int) error {
		out, cache, err := d.Forward(x.SliceRows(start, end), sliceLabels(labels, start, end))
		if err != nil {
			return err
		}
		outs[s] = out
		shards[s] = shardState{start: start, end: end, cache: cache}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "discriminator forward")
	}
	if k == 1 {
		return outs[0], shards, nil
	}

	pick := func(f func(o *models.Output) *tensor.Tensor) []*tensor.Tensor {
		parts := make([]*tensor.Tensor, k)
		for i, o := range outs {
			parts[i] = f(o)
		}
		return parts
	}
	out := &models.Output{}
	fields := []struct {
		dst **tensor.Tensor
		get func(o *models.Output) *tensor.Tensor
	}{
		{&out.Score, func(o *models.Output) *tensor.Tensor { return o.Score }},
		{&out.Logits, func(o *models.Output) *tensor.Tensor { return o.Logits }},
		{&out.Embed, func(o *models.Output) *tensor.Tensor { return o.Embed }},
		{&out.Proxy, func(o *models.Output) *tensor.Tensor { return o.Proxy }},
		{&out.Features, func(o *models.Output) *tensor.Tensor { return o.Features }},
	}
	for _, f := range fields {
		if *f.dst, err = gather(pick(f.get)); err != nil {
			return nil, nil, errors.Wrap(err, "gathering discriminator outputs")
		}
	}
	return out, shards, nil
}

// discriminatorBackward returns dL/dx and D's gradients, reduced in shard
// order.
func discriminatorBackward(exec ExecutionStrategy, d models.Discriminator, shards []shardState, grad models.OutputGrad, n int) (*tensor.Tensor, layers.Gradients, error) {
	gx := make([]*tensor.Tensor, len(shards))
	grads := make([]layers.Gradients, len(shards))
	err := exec.Run(n, func(s, start, end int) error {
		sh := shards[s]
		if sh.start != start || sh.end != end {
			return errors.Errorf("shard %d covers [%d, %d), forward covered [%d, %d)", s, start, end, sh.start, sh.end)
		}
		part := models.OutputGrad{
			Score:  sliceRows(grad.Score, start, end),
			Logits: sliceRows(grad.Logits, start, end),
			Embed:  sliceRows(grad.Embed, start, end),
			Proxy:  sliceRows(grad.Proxy, start, end),
		}
		gxs, gs, err := d.Backward(sh.cache, part)
		if err != nil {
			return err
		}
		gx[s], grads[s] = gxs, gs
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "discriminator backward")
	}
	out, err := gather(gx)
	return out, mergeInOrder(grads), err
}

// extractFeatures runs a feature extractor over images in shards.
func extractFeatures(exec ExecutionStrategy, ex metrics.FeatureExtractor, images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	n := images.Rows()
	k := shardCount(exec, n)
	feats := make([]*tensor.Tensor, k)
	probs := make([]*tensor.Tensor, k)
	err := exec.Run(n, func(s, start, end int) error {
		f, p, err := ex.Extract(images.SliceRows(start, end))
		if err != nil {
			return err
		}
		feats[s], probs[s] = f, p
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "feature extraction")
	}
	f, err := gather(feats)
	if err != nil {
		return nil, nil, err
	}
	p, err := gather(probs)
	return f, p, err
}

// gdPass is one sharded G -> (augment) -> D forward pass kept for backward.
type gdPass struct {
	exec    ExecutionStrategy
	g       models.Generator
	d       models.Discriminator
	gShards []shardState
	dShards []shardState
	aug     *Augmented
	n       int

	Images *tensor.Tensor // generator output before augmentation
	Input  *tensor.Tensor // what D saw
	Out    *models.Output
}

// forwardGD generates images from z and scores them, applying aug when non-nil.
func forwardGD(exec ExecutionStrategy, g models.Generator, d models.Discriminator, z *tensor.Tensor, labels []int, aug *Augmented) (*gdPass, error) {
	img, gShards, err := generatorForward(exec, g, z, labels)
	if err != nil {
		return nil, err
	}
	p := &gdPass{exec: exec, g: g, d: d, gShards: gShards, aug: aug, n: z.Rows(), Images: img, Input: img}
	if aug != nil {
		if p.Input, err = aug.Forward(img); err != nil {
			return nil, err
		}
	}
	if p.Out, p.dShards, err = discriminatorForward(exec, d, p.Input, labels); err != nil {
		return nil, err
	}
	return p, nil
}

// gdBackward is the result of backpropagating through a gdPass.
type gdBackward struct {
	GradImages *tensor.Tensor
	GradZ      *tensor.Tensor
	DGrads     layers.Gradients
	GGrads     layers.Gradients
}

// backward propagates grad through D (and the augmentation) into the images.
// extraInput is a further gradient with respect to D's input, added before
// the augmentation is undone. When throughG is false, G's backward is
// skipped.
func (p *gdPass) backward(grad models.OutputGrad, extraInput *tensor.Tensor, throughG bool) (*gdBackward, error) {
	gx, dGrads, err := discriminatorBackward(p.exec, p.d, p.dShards, grad, p.n)
	if err != nil {
		return nil, err
	}
	if extraInput != nil {
		if err := tensor.AddInPlace(gx, extraInput); err != nil {
			return nil, err
		}
	}
	if p.aug != nil {
		gx = p.aug.Backward(gx)
	}
	res := &gdBackward{GradImages: gx, DGrads: dGrads}
	if !throughG {
		return res, nil
	}
	if res.GradZ, res.GGrads, err = generatorBackward(p.exec, p.g, p.gShards, gx); err != nil {
		return nil, err
	}
	return res, nil
}

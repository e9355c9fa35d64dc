// Package metrics computes the distribution statistics used to score
// generated images: feature moments, Fréchet distance, Inception-style
// score, classification metrics and nearest-neighbour search.
package metrics

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// FeatureExtractor embeds images. It is stateless from the caller's point of
// view and safe for concurrent use.
type FeatureExtractor interface {
	Name() string
	FeatureDim() int
	NumClasses() int
	// Extract returns features [N, FeatureDim] and class probabilities
	// [N, NumClasses] for images [N, C, H, W].
	Extract(images *tensor.Tensor) (features, probs *tensor.Tensor, err error)
}

// RandomProjection is a fixed, seeded two-layer random network standing in
// for a pretrained feature extractor. Its features are tanh(W x) and its class
// probabilities softmax(V features).
type RandomProjection struct {
	inDim      int
	featureDim int
	numClasses int
	w          *tensor.Tensor // [F, in]
	v          *tensor.Tensor // [K, F]
}

// NewRandomProjection builds an extractor for images of the given shape.
// Equal seeds give equal extractors.
func NewRandomProjection(imageShape []int, featureDim, numClasses int, seed int64) (*RandomProjection, error) {
	in := 1
	for _, d := range imageShape {
		in *= d
	}
	if in <= 0 || featureDim <= 0 || numClasses <= 0 {
		return nil, errors.Errorf("random projection needs positive sizes, got in=%d features=%d classes=%d",
			in, featureDim, numClasses)
	}
	rng := rand.New(rand.NewSource(seed))
	return &RandomProjection{
		inDim:      in,
		featureDim: featureDim,
		numClasses: numClasses,
		w:          tensor.RandomNormal(rng, 0, float32(1/math.Sqrt(float64(in))), featureDim, in),
		v:          tensor.RandomNormal(rng, 0, float32(3/math.Sqrt(float64(featureDim))), numClasses, featureDim),
	}, nil
}

func (r *RandomProjection) Name() string { return "random_projection" }
func (r *RandomProjection) FeatureDim() int { return r.featureDim }
func (r *RandomProjection) NumClasses() int { return r.numClasses }

func (r *RandomProjection) Extract(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if images.RowLen() != r.inDim {
		return nil, nil, errors.Errorf("random projection: expected %d values per image, got shape %v", r.inDim, images.Shape)
	}
	x, err := images.Reshape(images.Rows(), r.inDim)
	if err != nil {
		return nil, nil, err
	}
	pre, err := tensor.MatMulTransB(x, r.w)
	if err != nil {
		return nil, nil, err
	}
	features := tensor.Tanh(pre)
	logits, err := tensor.MatMulTransB(features, r.v)
	if err != nil {
		return nil, nil, err
	}
	probs := tensor.Zeros(logits.Shape...)
	for i := 0; i < logits.Rows(); i++ {
		softmaxInto(probs.Row(i), logits.Row(i))
	}
	return features, probs, nil
}

func softmaxInto(dst, logits []float32) {
	m := math.Inf(-1)
	for _, v := range logits {
		m = math.Max(m, float64(v))
	}
	var s float64
	for j, v := range logits {
		e := math.Exp(float64(v) - m)
		dst[j] = float32(e)
		s += e
	}
	for j := range dst {
		dst[j] = float32(float64(dst[j]) / s)
	}
}

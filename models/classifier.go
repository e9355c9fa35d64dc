package models

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/tensor"
)

// LinearClassifier is a single affine layer mapping frozen features to class
// logits.
type LinearClassifier struct {
	fc *layers.Linear
}

type classifierCache struct {
	features *tensor.Tensor
}

// NewLinearClassifier builds a probe with fan-in uniform weights.
func NewLinearClassifier(inDim, numClasses int, rng *rand.Rand) (*LinearClassifier, error) {
	if inDim <= 0 || numClasses <= 0 {
		return nil, errors.Errorf("linear classifier needs positive dims, got %d -> %d", inDim, numClasses)
	}
	fc := layers.NewLinear("Linear.fc", inDim, numClasses, true)
	layers.FanInUniform(rng, fc.W)
	return &LinearClassifier{fc: fc}, nil
}

func (c *LinearClassifier) Parameters() []*layers.Param { return c.fc.Parameters() }
func (c *LinearClassifier) Buffers() []*layers.Param { return nil }

func (c *LinearClassifier) Spec() *layers.ModelSpec {
	return layers.NewModelSpec("LinearClassifier", layers.DenseSpec(c.fc))
}

func (c *LinearClassifier) Forward(features *tensor.Tensor) (*tensor.Tensor, Cache, error) {
	logits, err := c.fc.Forward(features)
	if err != nil {
		return nil, nil, err
	}
	return logits, &classifierCache{features: features}, nil
}

func (c *LinearClassifier) Backward(cache Cache, gradLogits *tensor.Tensor) (layers.Gradients, error) {
	cc, ok := cache.(*classifierCache)
	if !ok {
		return nil, errors.Errorf("linear classifier: unexpected cache type %T", cache)
	}
	grads := layers.Gradients{}
	// the input gradient is discarded: features are frozen
	if _, err := c.fc.Backward(cc.features, gradLogits, grads); err != nil {
		return nil, errors.Wrap(err, "linear classifier")
	}
	return grads, nil
}

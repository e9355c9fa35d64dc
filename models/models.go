// Package models defines the Generator, Discriminator and Classifier
// contracts the training loop depends on, and a registry of architectures
// implementing them.
package models

import (
	"math/rand"

	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/tensor"
)

// Cache holds whatever a module needs from Forward to run Backward.
type Cache interface{}

// Module is the part of the contract shared by every trainable network.
type Module interface {
	// Parameters returns the trainable parameters in a stable order.
	Parameters() []*layers.Param
	// Buffers returns non-trainable state saved with checkpoints.
	Buffers() []*layers.Param
	Spec() *layers.ModelSpec
}

// Generator maps latent vectors (and optional class labels) to images.
type Generator interface {
	Module
	ZDim() int
	NumClasses() int
	// ImageShape returns [C, H, W].
	ImageShape() []int
	// Conditional reports whether the generator consumes class labels.
	Conditional() bool

	Forward(z *tensor.Tensor, labels []int) (*tensor.Tensor, Cache, error)
	// Backward returns dL/dz and the generator's parameter gradients.
	Backward(cache Cache, gradImg *tensor.Tensor) (*tensor.Tensor, layers.Gradients, error)

	// Shared returns the class embedding added to the first layer, or nil
	// when the generator is unconditional.
	Shared(labels []int) (*tensor.Tensor, error)
	// Generate runs inference with an explicit shared embedding.
	Generate(z, shared *tensor.Tensor) (*tensor.Tensor, error)
	// Clone returns a structurally identical deep copy.
	Clone() Generator
}

// Output is everything a discriminator produces for one batch. Fields the
// architecture was not built with are nil.
type Output struct {
	Score    *tensor.Tensor // [N]
	Logits   *tensor.Tensor // [N, K] auxiliary classifier
	Embed    *tensor.Tensor // [N, E] instance embedding
	Proxy    *tensor.Tensor // [N, E] class proxy of each sample's label
	Features *tensor.Tensor // [N, F] penultimate activations
}

// OutputGrad carries dL/d(output) into Discriminator.Backward. Nil fields are
// treated as zero.
type OutputGrad struct {
	Score  *tensor.Tensor
	Logits *tensor.Tensor
	Embed  *tensor.Tensor
	Proxy  *tensor.Tensor
}

// Discriminator scores images as real or fake.
type Discriminator interface {
	Module
	FeatureDim() int
	EmbedDim() int

	Forward(x *tensor.Tensor, labels []int) (*Output, Cache, error)
	// Backward returns dL/dx and the discriminator's parameter gradients.
	Backward(cache Cache, grad OutputGrad) (*tensor.Tensor, layers.Gradients, error)
}

// GradientPenalizer is implemented by discriminators that can compute the
// norm of d(score)/d(input) per sample together with the parameter gradient
// of sum_i weights[i]*norm[i].
type GradientPenalizer interface {
	InputGradNorms(x *tensor.Tensor, labels []int) ([]float64, func(weights []float64) layers.Gradients, error)
}

// PowerIterator is implemented by networks with spectrally normalised layers.
type PowerIterator interface {
	PowerIterate()
	SpectralNorms() map[string]float64
}

// Classifier is a linear probe trained on frozen features.
type Classifier interface {
	Module
	Forward(features *tensor.Tensor) (*tensor.Tensor, Cache, error)
	Backward(cache Cache, gradLogits *tensor.Tensor) (layers.Gradients, error)
}

// Options configure an architecture's generator and discriminator.
type Options struct {
	ImgSize    int
	Channels   int
	NumClasses int
	ZDim       int

	GHiddenDim  int
	DHiddenDim  int
	GActivation string
	DActivation string
	GInit       string
	DInit       string

	GSpectralNorm bool
	DSpectralNorm bool

	// GConditional adds a class embedding to the generator input.
	GConditional bool
	// DProjection adds a projection-discriminator term <E(y), h>.
	DProjection bool
	// DClassifier adds an auxiliary classifier head (ACGAN).
	DClassifier bool
	// EmbedDim > 0 adds an embedding head and class proxies.
	EmbedDim       int
	NormalizeEmbed bool
}

// Architecture builds a generator/discriminator pair.
type Architecture interface {
	// Supports reports whether the architecture can be built for imgSize.
	Supports(imgSize int) error
	// BatchNorm reports whether the networks keep batch statistics that
	// synchronized_bn would share across shards.
	BatchNorm() bool
	NewGenerator(opts Options, rng *rand.Rand) (Generator, error)
	NewDiscriminator(opts Options, rng *rand.Rand) (Discriminator, error)
}

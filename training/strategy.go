package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/config"
	"github.com/tsawler/go-gan/losses"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/tensor"
)

// Phase identifies which batch a strategy term is computed for.
type Phase int

const (
	PhaseDReal Phase = iota
	PhaseDFake
	PhaseG
)

func (p Phase) String() string {
	switch p {
	case PhaseDReal:
		return "d_real"
	case PhaseDFake:
		return "d_fake"
	case PhaseG:
		return "g"
	default:
		return "unknown"
	}
}

// StrategyInput is the discriminator output a strategy term is computed from.
type StrategyInput struct {
	Out    *models.Output
	Labels []int
	// Aug is D's output on an augmented view of the same images, present
	// only when the strategy asks for one.
	Aug *models.Output
}

// StrategyGrad is the gradient of a strategy term with respect to the
// discriminator outputs it used.
type StrategyGrad struct {
	Out models.OutputGrad
	Aug models.OutputGrad
}

// ConditionalStrategy adds the class-conditional or representation terms of
// one GAN variant to the adversarial loss. It is chosen once per run.
type ConditionalStrategy interface {
	Name() string
	// Configure sets the model heads the strategy needs.
	Configure(opts *models.Options)
	// AugmentedView reports whether Loss needs D's output on a second,
	// augmented view of each batch.
	AugmentedView() bool
	// Loss returns the extra loss for phase and its gradient.
	Loss(phase Phase, in StrategyInput, temperature float64) (float64, StrategyGrad, error)
}

// StrategyParams are the weights shared by the contrastive strategies.
type StrategyParams struct {
	Lambda       float64
	Margin       float64
	PosCollected bool
	EmbedDim     int
	Normalize    bool
}

// NewConditionalStrategy returns the strategy registered under name.
func NewConditionalStrategy(name string, p StrategyParams) (ConditionalStrategy, error) {
	switch name {
	case config.StrategyNone:
		return noStrategy{}, nil
	case config.StrategyProjGAN:
		return projGAN{}, nil
	case config.StrategyACGAN:
		return acGAN{}, nil
	case config.StrategyContraGAN:
		return contraGAN{p}, nil
	case config.StrategyProxyNCAGAN:
		return proxyNCAGAN{p}, nil
	case config.StrategyNTXentGAN:
		return ntXentGAN{p}, nil
	default:
		return nil, errors.Errorf("unknown conditional strategy %q", name)
	}
}

type noStrategy struct{}

func (noStrategy) Name() string                  { return config.StrategyNone }
func (noStrategy) Configure(opts *models.Options) {}
func (noStrategy) AugmentedView() bool           { return false }
func (noStrategy) Loss(Phase, StrategyInput, float64) (float64, StrategyGrad, error) {
	return 0, StrategyGrad{}, nil
}

// projGAN conditions through the discriminator's projection head, which is
// already part of the adversarial score.
type projGAN struct{ noStrategy }

func (projGAN) Name() string { return config.StrategyProjGAN }
func (projGAN) Configure(opts *models.Options) {
	opts.GConditional = true
	opts.DProjection = true
}

// acGAN adds an auxiliary classification loss on real and fake batches for D
// and on fake batches for G.
type acGAN struct{}

func (acGAN) Name() string        { return config.StrategyACGAN }
func (acGAN) AugmentedView() bool { return false }
func (acGAN) Configure(opts *models.Options) {
	opts.GConditional = true
	opts.DClassifier = true
}

func (acGAN) Loss(_ Phase, in StrategyInput, _ float64) (float64, StrategyGrad, error) {
	if in.Out.Logits == nil {
		return 0, StrategyGrad{}, errors.New("ACGAN: discriminator has no classifier head")
	}
	loss, g, err := losses.CrossEntropy(in.Out.Logits, in.Labels)
	if err != nil {
		return 0, StrategyGrad{}, err
	}
	return loss, StrategyGrad{Out: models.OutputGrad{Logits: g}}, nil
}

// contrastivePhases reports whether a contrastive term applies. The
// representation terms use the real batch for D and the fake batch for G.
func contrastivePhases(phase Phase) bool {
	return phase == PhaseDReal || phase == PhaseG
}

func scaled(t *tensor.Tensor, s float64) *tensor.Tensor {
	if t == nil {
		return nil
	}
	return tensor.Scale(t, float32(s))
}

func requireEmbed(name string, out *models.Output) error {
	if out == nil || out.Embed == nil {
		return errors.Errorf("%s: discriminator has no embedding head", name)
	}
	return nil
}

// contraGAN adds lambda * 2C(embed, proxy).
type contraGAN struct{ p StrategyParams }

func (contraGAN) Name() string        { return config.StrategyContraGAN }
func (contraGAN) AugmentedView() bool { return false }
func (s contraGAN) Configure(opts *models.Options) {
	opts.GConditional = true
	opts.DProjection = true
	opts.EmbedDim = s.p.EmbedDim
	opts.NormalizeEmbed = s.p.Normalize
}

func (s contraGAN) Loss(phase Phase, in StrategyInput, t float64) (float64, StrategyGrad, error) {
	if !contrastivePhases(phase) {
		return 0, StrategyGrad{}, nil
	}
	if err := requireEmbed(s.Name(), in.Out); err != nil {
		return 0, StrategyGrad{}, err
	}
	res, err := losses.ConditionalContrastive(in.Out.Embed, in.Out.Proxy, in.Labels, t, s.p.Margin, s.p.PosCollected)
	if err != nil {
		return 0, StrategyGrad{}, err
	}
	return s.p.Lambda * res.Loss, StrategyGrad{Out: models.OutputGrad{
		Embed: scaled(res.GradA, s.p.Lambda),
		Proxy: scaled(res.GradB, s.p.Lambda),
	}}, nil
}

// proxyNCAGAN adds lambda * ProxyNCA(embed, proxy).
type proxyNCAGAN struct{ p StrategyParams }

func (proxyNCAGAN) Name() string        { return config.StrategyProxyNCAGAN }
func (proxyNCAGAN) AugmentedView() bool { return false }
func (s proxyNCAGAN) Configure(opts *models.Options) {
	opts.GConditional = true
	opts.EmbedDim = s.p.EmbedDim
	opts.NormalizeEmbed = s.p.Normalize
}

func (s proxyNCAGAN) Loss(phase Phase, in StrategyInput, t float64) (float64, StrategyGrad, error) {
	if !contrastivePhases(phase) {
		return 0, StrategyGrad{}, nil
	}
	if err := requireEmbed(s.Name(), in.Out); err != nil {
		return 0, StrategyGrad{}, err
	}
	res, err := losses.ProxyNCA(in.Out.Embed, in.Out.Proxy, in.Labels, t)
	if err != nil {
		return 0, StrategyGrad{}, err
	}
	return s.p.Lambda * res.Loss, StrategyGrad{Out: models.OutputGrad{
		Embed: scaled(res.GradA, s.p.Lambda),
		Proxy: scaled(res.GradB, s.p.Lambda),
	}}, nil
}

// ntXentGAN adds lambda * NT-Xent between each batch and an augmented view
// of it. The generator stays unconditional.
type ntXentGAN struct{ p StrategyParams }

// NTXentPolicy is the augmentation producing the second view.
const NTXentPolicy = "color,translation,cutout"

func (ntXentGAN) Name() string        { return config.StrategyNTXentGAN }
func (ntXentGAN) AugmentedView() bool { return true }
func (s ntXentGAN) Configure(opts *models.Options) {
	opts.GConditional = false
	opts.EmbedDim = s.p.EmbedDim
	opts.NormalizeEmbed = s.p.Normalize
}

func (s ntXentGAN) Loss(phase Phase, in StrategyInput, t float64) (float64, StrategyGrad, error) {
	if !contrastivePhases(phase) {
		return 0, StrategyGrad{}, nil
	}
	if err := requireEmbed(s.Name(), in.Out); err != nil {
		return 0, StrategyGrad{}, err
	}
	if err := requireEmbed(s.Name()+" augmented view", in.Aug); err != nil {
		return 0, StrategyGrad{}, err
	}
	res, err := losses.NTXent(in.Out.Embed, in.Aug.Embed, t)
	if err != nil {
		return 0, StrategyGrad{}, err
	}
	return s.p.Lambda * res.Loss, StrategyGrad{
		Out: models.OutputGrad{Embed: scaled(res.GradA, s.p.Lambda)},
		Aug: models.OutputGrad{Embed: scaled(res.GradB, s.p.Lambda)},
	}, nil
}

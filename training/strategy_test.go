package training

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-gan/config"
	"github.com/tsawler/go-gan/models"
	"github.com/tsawler/go-gan/tensor"
)

func TestStrategiesConfigureModels(t *testing.T) {
	p := StrategyParams{Lambda: 1, EmbedDim: 16, Normalize: true}
	tests := []struct {
		name        string
		gCond       bool
		projection  bool
		classifier  bool
		embedDim    int
		augmentView bool
	}{
		{config.StrategyNone, false, false, false, 0, false},
		{config.StrategyProjGAN, true, true, false, 0, false},
		{config.StrategyACGAN, true, false, true, 0, false},
		{config.StrategyContraGAN, true, true, false, 16, false},
		{config.StrategyProxyNCAGAN, true, false, false, 16, false},
		{config.StrategyNTXentGAN, false, false, false, 16, true},
	}
	for _, tt := range tests {
		s, err := NewConditionalStrategy(tt.name, p)
		if err != nil {
			t.Fatalf("Failed to create %s: %v", tt.name, err)
		}
		var opts models.Options
		s.Configure(&opts)
		if opts.GConditional != tt.gCond || opts.DProjection != tt.projection || opts.DClassifier != tt.classifier || opts.EmbedDim != tt.embedDim {
			t.Errorf("%s: unexpected options %+v", tt.name, opts)
		}
		if s.AugmentedView() != tt.augmentView {
			t.Errorf("%s: expected augmented view %t", tt.name, tt.augmentView)
		}
		if s.Name() != tt.name {
			t.Errorf("Expected name %s, got %s", tt.name, s.Name())
		}
	}
	if _, err := NewConditionalStrategy("cGAN", p); err == nil {
		t.Error("Expected error for unknown strategy")
	}
}

func TestContrastiveTermsSkipFakeDiscriminatorPhase(t *testing.T) {
	s, _ := NewConditionalStrategy(config.StrategyContraGAN, StrategyParams{Lambda: 2, EmbedDim: 4})
	rng := rand.New(rand.NewSource(1))
	out := &models.Output{
		Embed: tensor.RandomNormal(rng, 0, 1, 4, 4),
		Proxy: tensor.RandomNormal(rng, 0, 1, 4, 4),
	}
	in := StrategyInput{Out: out, Labels: []int{0, 1, 0, 1}}
	loss, grad, err := s.Loss(PhaseDFake, in, 1)
	if err != nil {
		t.Fatal(err)
	}
	if loss != 0 || grad.Out.Embed != nil {
		t.Errorf("Expected no term on fake D batches, got %g", loss)
	}
	loss, grad, err = s.Loss(PhaseDReal, in, 1)
	if err != nil {
		t.Fatal(err)
	}
	if loss == 0 || grad.Out.Embed == nil || grad.Out.Proxy == nil {
		t.Errorf("Expected a contrastive term with embed and proxy gradients, got %g", loss)
	}
	if _, _, err := s.Loss(PhaseG, StrategyInput{Out: &models.Output{}}, 1); err == nil {
		t.Error("Expected error without an embedding head")
	}
}

func TestACGANClassifiesEveryPhase(t *testing.T) {
	s, _ := NewConditionalStrategy(config.StrategyACGAN, StrategyParams{})
	logits := tensor.Zeros(2, 3)
	for _, phase := range []Phase{PhaseDReal, PhaseDFake, PhaseG} {
		loss, grad, err := s.Loss(phase, StrategyInput{Out: &models.Output{Logits: logits}, Labels: []int{0, 2}}, 1)
		if err != nil {
			t.Fatalf("%s: %v", phase, err)
		}
		if loss <= 0 || grad.Out.Logits == nil {
			t.Errorf("%s: expected a positive cross entropy, got %g", phase, loss)
		}
	}
}

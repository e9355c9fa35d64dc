// Package losses implements the adversarial loss families and the auxiliary
// regularisers used while training GANs. Every function returns the loss value
// together with its gradient with respect to the inputs.
package losses

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownLoss is returned by Lookup for unknown family names.
var ErrUnknownLoss = errors.New("unknown adversarial loss")

// Family is one adversarial objective.
type Family interface {
	Name() string
	// Discriminator returns the D loss for real and fake scores and its
	// gradient with respect to each score.
	Discriminator(real, fake []float64) (loss float64, gReal, gFake []float64)
	// Generator returns the G loss for fake scores and its gradient.
	Generator(fake []float64) (loss float64, gFake []float64)
}

var families = map[string]Family{
	"vanilla":     vanilla{},
	"hinge":       hinge{},
	"wasserstein": wasserstein{},
}

// Lookup returns the family registered under key.
func Lookup(key string) (Family, error) {
	f, ok := families[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLoss, "%q", key)
	}
	return f, nil
}

// Names lists the known families.
func Names() []string {
	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// vanilla is the non-saturating binary cross-entropy objective on logits.
type vanilla struct{}

func (vanilla) Name() string { return "vanilla" }

func (vanilla) Discriminator(real, fake []float64) (float64, []float64, []float64) {
	gReal := make([]float64, len(real))
	gFake := make([]float64, len(fake))
	var lr, lf float64
	for i, r := range real {
		lr += softplus(-r)
		gReal[i] = -sigmoid(-r) / float64(len(real))
	}
	for i, f := range fake {
		lf += softplus(f)
		gFake[i] = sigmoid(f) / float64(len(fake))
	}
	return lr/float64(len(real)) + lf/float64(len(fake)), gReal, gFake
}

func (vanilla) Generator(fake []float64) (float64, []float64) {
	g := make([]float64, len(fake))
	var l float64
	for i, f := range fake {
		l += softplus(-f)
		g[i] = -sigmoid(-f) / float64(len(fake))
	}
	return l / float64(len(fake)), g
}

type hinge struct{}

func (hinge) Name() string { return "hinge" }

func (hinge) Discriminator(real, fake []float64) (float64, []float64, []float64) {
	gReal := make([]float64, len(real))
	gFake := make([]float64, len(fake))
	var lr, lf float64
	for i, r := range real {
		if r < 1 {
			lr += 1 - r
			gReal[i] = -1 / float64(len(real))
		}
	}
	for i, f := range fake {
		if f > -1 {
			lf += 1 + f
			gFake[i] = 1 / float64(len(fake))
		}
	}
	return lr/float64(len(real)) + lf/float64(len(fake)), gReal, gFake
}

func (hinge) Generator(fake []float64) (float64, []float64) {
	return negativeMean(fake)
}

// wasserstein has no Lipschitz constraint of its own; pair it with a
// gradient penalty or weight clipping.
type wasserstein struct{}

func (wasserstein) Name() string { return "wasserstein" }

func (wasserstein) Discriminator(real, fake []float64) (float64, []float64, []float64) {
	gReal := make([]float64, len(real))
	gFake := make([]float64, len(fake))
	var sr, sf float64
	for i, r := range real {
		sr += r
		gReal[i] = -1 / float64(len(real))
	}
	for i, f := range fake {
		sf += f
		gFake[i] = 1 / float64(len(fake))
	}
	return sf/float64(len(fake)) - sr/float64(len(real)), gReal, gFake
}

func (wasserstein) Generator(fake []float64) (float64, []float64) {
	return negativeMean(fake)
}

func negativeMean(fake []float64) (float64, []float64) {
	g := make([]float64, len(fake))
	var s float64
	for i, f := range fake {
		s += f
		g[i] = -1 / float64(len(fake))
	}
	return -s / float64(len(fake)), g
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus computes log(1+exp(x)) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

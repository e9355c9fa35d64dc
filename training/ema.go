package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/models"
)

// EMA keeps an exponential moving average of a generator's parameters in a
// structurally identical shadow copy.
//
// The updater is inactive until the first Update with step >= start, which
// copies the live weights into the shadow. Every later Update blends
// shadow = decay*shadow + (1-decay)*live.
type EMA struct {
	live   models.Generator
	shadow models.Generator
	decay  float64
	start  int
	active bool
}

// NewEMA pairs live with shadow. Both must have the same parameter layout.
func NewEMA(live, shadow models.Generator, decay float64, start int) (*EMA, error) {
	if decay <= 0 || decay >= 1 {
		return nil, errors.Errorf("ema decay must lie in (0, 1), got %g", decay)
	}
	lp, sp := live.Parameters(), shadow.Parameters()
	if len(lp) != len(sp) {
		return nil, errors.Errorf("ema shadow has %d parameters, live generator has %d", len(sp), len(lp))
	}
	for i := range lp {
		if len(lp[i].Data) != len(sp[i].Data) {
			return nil, errors.Errorf("ema parameter %s has %d elements, live has %d", sp[i].Name, len(sp[i].Data), len(lp[i].Data))
		}
	}
	return &EMA{live: live, shadow: shadow, decay: decay, start: start}, nil
}

// Shadow returns the averaged generator.
func (e *EMA) Shadow() models.Generator { return e.shadow }

// Active reports whether averaging has started.
func (e *EMA) Active() bool { return e.active }

// Decay returns the averaging coefficient.
func (e *EMA) Decay() float64 { return e.decay }

// Update advances the shadow after a generator step at step.
func (e *EMA) Update(step int) error {
	if !e.active {
		if step < e.start {
			return nil
		}
		if err := layers.CopyParams(e.shadow.Parameters(), e.live.Parameters()); err != nil {
			return errors.Wrap(err, "ema: initialising shadow")
		}
		// Spectral-norm vectors follow the live model so the copy stays consistent.
		if err := layers.CopyParams(e.shadow.Buffers(), e.live.Buffers()); err != nil {
			return errors.Wrap(err, "ema: initialising shadow buffers")
		}
		e.active = true
		return nil
	}

	d := e.decay
	sp, lp := e.shadow.Parameters(), e.live.Parameters()
	for i, p := range sp {
		live := lp[i].Data
		for j, s := range p.Data {
			p.Data[j] = float32(d*float64(s) + (1-d)*float64(live[j]))
		}
	}
	return layers.CopyParams(e.shadow.Buffers(), e.live.Buffers())
}

// Resume marks the shadow as already averaging, used after its weights have
// been restored from a checkpoint taken past the start step.
func (e *EMA) Resume(step int) {
	if step >= e.start {
		e.active = true
	}
}

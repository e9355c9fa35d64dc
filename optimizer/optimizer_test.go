package optimizer

import (
	"math"
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
)

func quadraticParams() []*layers.Param {
	p := layers.NewParam("w", 3)
	copy(p.Data, []float32{1, -2, 3})
	return []*layers.Param{p}
}

// setQuadraticGrad sets the gradient of 0.5*||w||^2.
func setQuadraticGrad(params []*layers.Param) {
	for _, p := range params {
		copy(p.Grad, p.Data)
	}
}

func norm(params []*layers.Param) float64 {
	s := 0.0
	for _, p := range params {
		for _, v := range p.Data {
			s += float64(v) * float64(v)
		}
	}
	return math.Sqrt(s)
}

func TestOptimizersDescend(t *testing.T) {
	configs := []Config{
		{Family: "SGD", LearningRate: 0.1},
		{Family: "SGD", LearningRate: 0.1, Momentum: 0.9, Nesterov: true},
		{Family: "RMSprop", LearningRate: 0.01, Alpha: 0.99, Momentum: 0.5},
		{Family: "Adam", LearningRate: 0.05, Beta1: 0.5, Beta2: 0.999},
	}
	for _, cfg := range configs {
		params := quadraticParams()
		opt, err := New(cfg, params)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", cfg.Family, err)
		}
		start := norm(params)
		for i := 0; i < 20; i++ {
			opt.ZeroGrad()
			setQuadraticGrad(params)
			if err := opt.Step(); err != nil {
				t.Fatalf("%s step failed: %v", cfg.Family, err)
			}
		}
		if norm(params) >= start {
			t.Errorf("%s: expected norm to decrease from %f, got %f", cfg.Family, start, norm(params))
		}
		if opt.GetStepCount() != 20 {
			t.Errorf("%s: expected 20 steps, got %d", cfg.Family, opt.GetStepCount())
		}
	}
}

func TestUnknownFamily(t *testing.T) {
	_, err := New(Config{Family: "Lamb", LearningRate: 0.1}, quadraticParams())
	if errors.Cause(err) != ErrUnknownFamily {
		t.Errorf("Expected ErrUnknownFamily, got %v", err)
	}
	if _, err := New(Config{Family: "Adam"}, quadraticParams()); err == nil {
		t.Error("Expected error for zero learning rate")
	}
}

func TestAdamFirstStep(t *testing.T) {
	params := quadraticParams()
	opt := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, params)
	setQuadraticGrad(params)
	opt.Step()
	// bias-corrected first step moves every weight by ~lr*sign(g)
	want := []float32{0.9, -1.9, 2.9}
	for i, v := range want {
		if math.Abs(float64(params[0].Data[i]-v)) > 1e-5 {
			t.Errorf("Expected %f, got %f", v, params[0].Data[i])
		}
	}
}

func TestStateRoundTripResumesIdentically(t *testing.T) {
	for _, family := range Families() {
		cfg := Config{Family: family, LearningRate: 0.05, Beta1: 0.5, Beta2: 0.99, Momentum: 0.9, Alpha: 0.9}

		a := quadraticParams()
		optA, _ := New(cfg, a)
		for i := 0; i < 3; i++ {
			optA.ZeroGrad()
			setQuadraticGrad(a)
			optA.Step()
		}
		state, err := optA.GetState()
		if err != nil {
			t.Fatalf("%s GetState failed: %v", family, err)
		}

		b := quadraticParams()
		copy(b[0].Data, a[0].Data)
		optB, _ := New(Config{Family: family, LearningRate: 1}, b)
		if err := optB.LoadState(state); err != nil {
			t.Fatalf("%s LoadState failed: %v", family, err)
		}
		if optB.LearningRate() != optA.LearningRate() {
			t.Errorf("%s: expected lr %f, got %f", family, optA.LearningRate(), optB.LearningRate())
		}

		for i := 0; i < 3; i++ {
			for _, pair := range [][]*layers.Param{a, b} {
				layers.ZeroGrads(pair)
				setQuadraticGrad(pair)
			}
			optA.Step()
			optB.Step()
		}
		if !reflect.DeepEqual(a[0].Data, b[0].Data) {
			t.Errorf("%s: resumed trajectory differs: %v vs %v", family, a[0].Data, b[0].Data)
		}
	}
}

func TestLoadStateRejectsWrongType(t *testing.T) {
	opt := NewSGDOptimizer(DefaultSGDConfig(), quadraticParams())
	if err := opt.LoadState(&OptimizerState{Type: "Adam"}); err == nil {
		t.Error("Expected state type mismatch")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"squared_grad_avg_12", 12},
		{"variance", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.expected {
			t.Errorf("extractBufferIndex(%q): expected %d, got %d", tt.name, tt.expected, got)
		}
	}
}

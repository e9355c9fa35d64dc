package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// LeakySlope is the negative slope used by LeakyReLUActivation.
const LeakySlope = 0.1

// Activation is an elementwise nonlinearity.
type Activation int

const (
	ReLUActivation Activation = iota
	LeakyReLUActivation
	ELUActivation
	TanhActivation
)

// ParseActivation maps a configuration name to an Activation.
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "ReLU", "relu":
		return ReLUActivation, nil
	case "Leaky_ReLU", "LeakyReLU", "leaky_relu":
		return LeakyReLUActivation, nil
	case "ELU", "elu":
		return ELUActivation, nil
	case "Tanh", "tanh":
		return TanhActivation, nil
	default:
		return 0, errors.Errorf("unknown activation %q", name)
	}
}

func (a Activation) String() string {
	return a.layerType().String()
}

func (a Activation) layerType() LayerType {
	switch a {
	case ReLUActivation:
		return ReLU
	case LeakyReLUActivation:
		return LeakyReLU
	case ELUActivation:
		return ELU
	default:
		return Tanh
	}
}

// PiecewiseLinear reports whether the activation has a piecewise-constant
// derivative. Input-gradient penalties differentiate through the derivative
// and need this.
func (a Activation) PiecewiseLinear() bool {
	return a == ReLUActivation || a == LeakyReLUActivation
}

func (a Activation) apply(v float32) float32 {
	switch a {
	case ReLUActivation:
		if v > 0 {
			return v
		}
		return 0
	case LeakyReLUActivation:
		if v > 0 {
			return v
		}
		return LeakySlope * v
	case ELUActivation:
		if v > 0 {
			return v
		}
		return float32(math.Expm1(float64(v)))
	default:
		return float32(math.Tanh(float64(v)))
	}
}

// Derivative returns da/dx evaluated at the pre-activation value pre.
func (a Activation) Derivative(pre float32) float32 {
	switch a {
	case ReLUActivation:
		if pre > 0 {
			return 1
		}
		return 0
	case LeakyReLUActivation:
		if pre > 0 {
			return 1
		}
		return LeakySlope
	case ELUActivation:
		if pre > 0 {
			return 1
		}
		return float32(math.Exp(float64(pre)))
	default:
		t := math.Tanh(float64(pre))
		return float32(1 - t*t)
	}
}

// Forward applies the activation elementwise.
func (a Activation) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Apply(x, a.apply)
}

// Backward returns g * a'(pre).
func (a Activation) Backward(pre, g *tensor.Tensor) *tensor.Tensor {
	out := tensor.Zeros(g.Shape...)
	for i, v := range g.Data {
		out.Data[i] = v * a.Derivative(pre.Data[i])
	}
	return out
}

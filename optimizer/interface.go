package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/checkpoints"
	"github.com/tsawler/go-gan/layers"
)

// ErrUnknownFamily is returned by New for unsupported optimizer names.
var ErrUnknownFamily = errors.New("unknown optimizer family")

// Optimizer defines the common interface for all optimizers.
// Step consumes the gradients accumulated in each Param.Grad.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears the gradients of the optimised parameters
	ZeroGrad()

	// Parameters returns the parameters this optimizer updates
	Parameters() []*layers.Param

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32
}

// OptimizerState represents the complete state of an optimizer. It is the
// checkpoint record type, so states can be stored without conversion.
type OptimizerState = checkpoints.OptimizerState

// Config selects an optimizer family and its hyperparameters.
type Config struct {
	Family       string
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	Momentum     float32
	Alpha        float32
	WeightDecay  float32
	Nesterov     bool
}

// New builds the optimizer for cfg.Family over params.
func New(cfg Config, params []*layers.Param) (Optimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters to optimise")
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %f", cfg.LearningRate)
	}
	switch cfg.Family {
	case "SGD":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		}, params), nil
	case "RMSprop":
		c := DefaultRMSPropConfig()
		c.LearningRate = cfg.LearningRate
		c.Alpha = cfg.Alpha
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		if cfg.Epsilon > 0 {
			c.Epsilon = cfg.Epsilon
		}
		return NewRMSPropOptimizer(c, params), nil
	case "Adam":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		c.Beta1 = cfg.Beta1
		c.Beta2 = cfg.Beta2
		c.WeightDecay = cfg.WeightDecay
		if cfg.Epsilon > 0 {
			c.Epsilon = cfg.Epsilon
		}
		return NewAdamOptimizer(c, params), nil
	default:
		return nil, errors.Wrapf(ErrUnknownFamily, "%q", cfg.Family)
	}
}

// Families lists the supported optimizer names.
func Families() []string {
	return []string{"SGD", "RMSprop", "Adam"}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func zeroGrads(params []*layers.Param) {
	layers.ZeroGrads(params)
}

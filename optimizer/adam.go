package optimizer

import (
	"math"

	"github.com/tsawler/go-gan/layers"
)

// AdamOptimizerState holds Adam hyperparameters and moment estimates
type AdamOptimizerState struct {
	LR          float32
	Beta1       float32 // Momentum decay
	Beta2       float32 // Variance decay
	Epsilon     float32
	WeightDecay float32

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params []*layers.Param
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns the Adam settings GAN training usually starts from
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.0002,
		Beta1:        0.5,
		Beta2:        0.999,
		Epsilon:      1e-6,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*layers.Param) *AdamOptimizerState {
	return &AdamOptimizerState{
		LR:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: allocBuffers(params),
		VarianceBuffers: allocBuffers(params),
		params:          params,
	}
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := float32(1 - math.Pow(float64(adam.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(adam.Beta2), t))

	for i, p := range adam.params {
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			g = applyWeightDecay(g, p.Data[j], adam.WeightDecay)
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= adam.LR * mHat / (float32(math.Sqrt(float64(vHat))) + adam.Epsilon)
		}
	}
	return nil
}

func (adam *AdamOptimizerState) ZeroGrad() { zeroGrads(adam.params) }
func (adam *AdamOptimizerState) Parameters() []*layers.Param { return adam.params }
func (adam *AdamOptimizerState) GetStepCount() uint64 { return adam.StepCount }
func (adam *AdamOptimizerState) LearningRate() float32 { return adam.LR }

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LR = newLR
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferStates(adam.MomentumBuffers, "momentum", "momentum")
	stateData = append(stateData, extractBufferStates(adam.VarianceBuffers, "variance", "variance")...)
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": float64(adam.LR),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
		},
		StepCount: adam.StepCount,
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LR = extractFloat32Param(state.Parameters, "learning_rate", adam.LR)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = state.StepCount

	if err := restoreBufferStates(adam.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBufferStates(adam.VarianceBuffers, state, "variance")
}

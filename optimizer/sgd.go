package optimizer

import (
	"github.com/tsawler/go-gan/layers"
)

// SGDOptimizerState is stochastic gradient descent with optional
// (Nesterov) momentum.
type SGDOptimizerState struct {
	LR          float32
	Momentum    float32
	WeightDecay float32
	Nesterov    bool

	MomentumBuffers [][]float32
	StepCount       uint64

	params []*layers.Param
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*layers.Param) *SGDOptimizerState {
	sgd := &SGDOptimizerState{
		LR:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		params:      params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = allocBuffers(params)
	}
	return sgd
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	for i, p := range sgd.params {
		for j, g := range p.Grad {
			g = applyWeightDecay(g, p.Data[j], sgd.WeightDecay)
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Data[j] -= sgd.LR * g
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() { zeroGrads(sgd.params) }
func (sgd *SGDOptimizerState) Parameters() []*layers.Param { return sgd.params }
func (sgd *SGDOptimizerState) GetStepCount() uint64 { return sgd.StepCount }
func (sgd *SGDOptimizerState) LearningRate() float32 { return sgd.LR }

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float32) {
	sgd.LR = lr
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": float64(sgd.LR),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      boolParam(sgd.Nesterov),
		},
		StepCount: sgd.StepCount,
	}
	if sgd.MomentumBuffers != nil {
		state.StateData = extractBufferStates(sgd.MomentumBuffers, "momentum", "momentum")
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LR = extractFloat32Param(state.Parameters, "learning_rate", sgd.LR)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = state.StepCount

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = allocBuffers(sgd.params)
	}
	if sgd.MomentumBuffers == nil {
		return nil
	}
	return restoreBufferStates(sgd.MomentumBuffers, state, "momentum")
}

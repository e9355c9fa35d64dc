package optimizer

import (
	"math"

	"github.com/tsawler/go-gan/layers"
)

// RMSPropOptimizerState holds RMSprop hyperparameters and running averages
type RMSPropOptimizerState struct {
	LR          float32
	Alpha       float32 // Smoothing constant for the squared-gradient average
	Epsilon     float32
	WeightDecay float32
	Momentum    float32

	SquaredGradAvg  [][]float32
	MomentumBuffers [][]float32

	StepCount uint64

	params []*layers.Param
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
	}
}

// NewRMSPropOptimizer creates an RMSprop optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*layers.Param) *RMSPropOptimizerState {
	r := &RMSPropOptimizerState{
		LR:             config.LearningRate,
		Alpha:          config.Alpha,
		Epsilon:        config.Epsilon,
		WeightDecay:    config.WeightDecay,
		Momentum:       config.Momentum,
		SquaredGradAvg: allocBuffers(params),
		params:         params,
	}
	if config.Momentum > 0 {
		r.MomentumBuffers = allocBuffers(params)
	}
	return r
}

// Step performs a single RMSprop optimization step
func (r *RMSPropOptimizerState) Step() error {
	r.StepCount++
	for i, p := range r.params {
		sq := r.SquaredGradAvg[i]
		for j, g := range p.Grad {
			g = applyWeightDecay(g, p.Data[j], r.WeightDecay)
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*g*g
			update := g / (float32(math.Sqrt(float64(sq[j]))) + r.Epsilon)
			if r.MomentumBuffers != nil {
				buf := r.MomentumBuffers[i]
				buf[j] = r.Momentum*buf[j] + update
				update = buf[j]
			}
			p.Data[j] -= r.LR * update
		}
	}
	return nil
}

func (r *RMSPropOptimizerState) ZeroGrad() { zeroGrads(r.params) }
func (r *RMSPropOptimizerState) Parameters() []*layers.Param { return r.params }
func (r *RMSPropOptimizerState) GetStepCount() uint64 { return r.StepCount }
func (r *RMSPropOptimizerState) LearningRate() float32 { return r.LR }

// UpdateLearningRate updates the learning rate
func (r *RMSPropOptimizerState) UpdateLearningRate(lr float32) {
	r.LR = lr
}

// GetState extracts optimizer state for checkpointing
func (r *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferStates(r.SquaredGradAvg, "squared_grad_avg", "squared_grad_avg")
	if r.MomentumBuffers != nil {
		stateData = append(stateData, extractBufferStates(r.MomentumBuffers, "momentum", "momentum")...)
	}
	return &OptimizerState{
		Type: "RMSprop",
		Parameters: map[string]float64{
			"learning_rate": float64(r.LR),
			"alpha":         float64(r.Alpha),
			"epsilon":       float64(r.Epsilon),
			"weight_decay":  float64(r.WeightDecay),
			"momentum":      float64(r.Momentum),
		},
		StepCount: r.StepCount,
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSprop", state); err != nil {
		return err
	}

	r.LR = extractFloat32Param(state.Parameters, "learning_rate", r.LR)
	r.Alpha = extractFloat32Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat32Param(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = extractFloat32Param(state.Parameters, "momentum", r.Momentum)
	r.StepCount = state.StepCount

	if err := restoreBufferStates(r.SquaredGradAvg, state, "squared_grad_avg"); err != nil {
		return err
	}
	if r.Momentum > 0 && r.MomentumBuffers == nil {
		r.MomentumBuffers = allocBuffers(r.params)
	}
	if r.MomentumBuffers == nil {
		return nil
	}
	return restoreBufferStates(r.MomentumBuffers, state, "momentum")
}

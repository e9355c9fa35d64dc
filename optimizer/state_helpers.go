package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/checkpoints"
	"github.com/tsawler/go-gan/layers"
)

// allocBuffers returns one zeroed buffer per parameter.
func allocBuffers(params []*layers.Param) [][]float32 {
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = make([]float32, len(p.Data))
	}
	return bufs
}

// extractBufferStates copies buffers into named optimizer tensors.
func extractBufferStates(bufs [][]float32, prefix, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(bufs))
	for i, buf := range bufs {
		data := make([]float32, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     []int{len(data)},
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferStates copies every tensor of stateType back into bufs.
func restoreBufferStates(bufs [][]float32, state *OptimizerState, stateType string) error {
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(bufs) {
			return errors.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if len(tensor.Data) != len(bufs[idx]) {
			return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
				tensor.Name, len(bufs[idx]), len(tensor.Data))
		}
		copy(bufs[idx], tensor.Data)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam reads a flag stored as 0/1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// applyWeightDecay returns g + wd*w
func applyWeightDecay(g, w, wd float32) float32 {
	if wd == 0 {
		return g
	}
	return g + wd*w
}

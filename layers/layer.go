package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Embedding
	ReLU
	LeakyReLU
	ELU
	Tanh
	L2Normalize
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Embedding:
		return "Embedding"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case ELU:
		return "ELU"
	case Tanh:
		return "Tanh"
	case L2Normalize:
		return "L2Normalize"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one layer of a model for logging and checkpoint
// compatibility checks. It carries no execution logic.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec describes a complete model as a list of layer specs.
type ModelSpec struct {
	Name            string      `json:"name"`
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
}

// DenseSpec describes a Linear layer.
func DenseSpec(l *Linear) LayerSpec {
	spec := LayerSpec{
		Type: Dense,
		Name: l.Name,
		Parameters: map[string]interface{}{
			"input_size":    l.In,
			"output_size":   l.Out,
			"use_bias":      l.B != nil,
			"spectral_norm": l.SpectralNorm(),
		},
	}
	for _, p := range l.Parameters() {
		spec.ParameterShapes = append(spec.ParameterShapes, p.Shape)
		spec.ParameterCount += int64(p.Numel())
	}
	return spec
}

// EmbeddingSpec describes an Embedding layer.
func EmbeddingSpec(e *EmbeddingLayer) LayerSpec {
	return LayerSpec{
		Type: Embedding,
		Name: e.Name,
		Parameters: map[string]interface{}{
			"num_embeddings": e.Num,
			"embedding_dim":  e.Dim,
		},
		ParameterShapes: [][]int{e.W.Shape},
		ParameterCount:  int64(e.W.Numel()),
	}
}

// ActivationSpec describes a parameter-free activation.
func ActivationSpec(a Activation, name string) LayerSpec {
	spec := LayerSpec{Type: a.layerType(), Name: name, Parameters: map[string]interface{}{}}
	if a == LeakyReLUActivation {
		spec.Parameters["negative_slope"] = LeakySlope
	}
	return spec
}

// NewModelSpec totals the parameter counts of the given layers.
func NewModelSpec(name string, specs ...LayerSpec) *ModelSpec {
	ms := &ModelSpec{Name: name, Layers: specs}
	for _, s := range specs {
		ms.TotalParameters += s.ParameterCount
	}
	return ms
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s summary:\n", ms.Name))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s) params=%d", i+1, layer.Name, layer.Type.String(), layer.ParameterCount))
		if len(layer.Parameters) > 0 {
			sb.WriteString(fmt.Sprintf(" config=%v", layer.Parameters))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Compatible reports whether other has the same layer types and parameter
// shapes, i.e. whether weights saved from one can be loaded into the other.
func (ms *ModelSpec) Compatible(other *ModelSpec) bool {
	if other == nil || len(ms.Layers) != len(other.Layers) {
		return false
	}

	for i, layer1 := range ms.Layers {
		layer2 := other.Layers[i]
		if layer1.Type != layer2.Type {
			return false
		}
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}

	return true
}

package metrics

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// MetricType represents different classification metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per (true, predicted) class pair.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds the arg-max predictions of logits [N, K] against labels.
func (cm *ConfusionMatrix) Update(logits *tensor.Tensor, labels []int) error {
	if logits.Dim() != 2 || logits.Shape[1] != cm.NumClasses {
		return errors.Errorf("expected logits [N, %d], got %v", cm.NumClasses, logits.Shape)
	}
	if logits.Rows() != len(labels) {
		return errors.Errorf("labels length mismatch: expected %d, got %d", logits.Rows(), len(labels))
	}
	for i, trueClass := range labels {
		row := logits.Row(i)
		predClass := 0
		for j, v := range row {
			if v > row[predClass] {
				predClass = j
			}
		}
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return errors.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates a metric from the current counts
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.accuracy()
	case MacroPrecision:
		return cm.macro(false)
	case MacroRecall:
		return cm.macro(true)
	case MacroF1:
		p, r := cm.macro(false), cm.macro(true)
		if p+r == 0 {
			return 0
		}
		return 2 * p * r / (p + r)
	default:
		return 0
	}
}

func (cm *ConfusionMatrix) accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for c := 0; c < cm.NumClasses; c++ {
		correct += cm.Matrix[c][c]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// macro averages per-class precision (recall=false) or recall over the
// classes where it is defined.
func (cm *ConfusionMatrix) macro(recall bool) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		other := 0.0
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass == class {
				continue
			}
			if recall {
				other += float64(cm.Matrix[class][otherClass])
			} else {
				other += float64(cm.Matrix[otherClass][class])
			}
		}
		if tp+other > 0 {
			sum += tp / (tp + other)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0
	}
	return sum / float64(validClasses)
}

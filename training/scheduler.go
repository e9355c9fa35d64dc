package training

import (
	"math"

	"github.com/pkg/errors"
)

// TemperatureScheduler anneals the contrastive temperature. It is a pure
// function of the step so resumed runs see the same value.
type TemperatureScheduler struct {
	Type      string // constant, continuous or discrete
	Start     float64
	End       float64
	Stages    int // number of discrete stages
	TotalStep int
}

// NewTemperatureScheduler validates and builds a scheduler.
func NewTemperatureScheduler(kind string, start, end float64, stages, totalStep int) (*TemperatureScheduler, error) {
	switch kind {
	case "constant", "continuous", "discrete":
	default:
		return nil, errors.Errorf("unknown tempering type %q", kind)
	}
	if start <= 0 || end <= 0 {
		return nil, errors.Errorf("temperatures must be positive, got %g and %g", start, end)
	}
	if stages < 1 {
		stages = 1
	}
	return &TemperatureScheduler{Type: kind, Start: start, End: end, Stages: stages, TotalStep: totalStep}, nil
}

// At returns the temperature for step.
//
//	constant:   Start
//	continuous: Start + (End-Start) * step/TotalStep
//	discrete:   Start + (End-Start)/Stages * floor(step / (TotalStep/Stages))
func (s *TemperatureScheduler) At(step int) float64 {
	if s.Type == "constant" || s.TotalStep <= 0 {
		return s.Start
	}
	if step > s.TotalStep {
		step = s.TotalStep
	}
	switch s.Type {
	case "continuous":
		return s.Start + (s.End-s.Start)*float64(step)/float64(s.TotalStep)
	case "discrete":
		interval := float64(s.TotalStep) / float64(s.Stages)
		stage := math.Floor(float64(step) / interval)
		if stage > float64(s.Stages) {
			stage = float64(s.Stages)
		}
		return s.Start + (s.End-s.Start)/float64(s.Stages)*stage
	}
	return s.Start
}

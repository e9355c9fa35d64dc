package training

import (
	"math"
	"testing"
)

func TestTemperatureSchedules(t *testing.T) {
	tests := []struct {
		kind   string
		stages int
		step   int
		want   float64
	}{
		{"constant", 1, 7, 1.0},
		{"continuous", 1, 0, 1.0},
		{"continuous", 1, 5, 0.75},
		{"continuous", 1, 10, 0.5},
		{"continuous", 1, 20, 0.5},
		{"discrete", 2, 4, 1.0},
		{"discrete", 2, 5, 0.75},
		{"discrete", 2, 10, 0.5},
	}
	for _, tt := range tests {
		s, err := NewTemperatureScheduler(tt.kind, 1.0, 0.5, tt.stages, 10)
		if err != nil {
			t.Fatalf("Failed to create %s scheduler: %v", tt.kind, err)
		}
		if got := s.At(tt.step); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s at step %d: expected %g, got %g", tt.kind, tt.step, tt.want, got)
		}
	}
}

func TestTemperatureSchedulerValidation(t *testing.T) {
	if _, err := NewTemperatureScheduler("cosine", 1, 1, 1, 10); err == nil {
		t.Error("Expected error for unknown schedule")
	}
	if _, err := NewTemperatureScheduler("constant", 0, 1, 1, 10); err == nil {
		t.Error("Expected error for zero temperature")
	}
}

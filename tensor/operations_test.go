package tensor

import (
	"testing"
)

func TestElementwiseOps(t *testing.T) {
	a := MustNew([]int{2}, []float32{1, 2})
	b := MustNew([]int{2}, []float32{3, 5})

	sum, _ := Add(a, b)
	diff, _ := Sub(a, b)
	prod, _ := Mul(a, b)
	mix, _ := Lerp(a, b, 0.5)

	if sum.Data[1] != 7 || diff.Data[1] != -3 || prod.Data[1] != 10 || mix.Data[1] != 3.5 {
		t.Errorf("Unexpected results: sum=%v diff=%v prod=%v lerp=%v", sum.Data, diff.Data, prod.Data, mix.Data)
	}

	if _, err := Add(a, Zeros(3)); err == nil {
		t.Error("Expected shape mismatch error")
	}
}

func TestClamp(t *testing.T) {
	x := MustNew([]int{4}, []float32{-3, -0.5, 0.5, 3})
	Clamp(x, -1, 1)
	expected := []float32{-1, -0.5, 0.5, 1}
	for i, v := range expected {
		if x.Data[i] != v {
			t.Errorf("Index %d: expected %f, got %f", i, v, x.Data[i])
		}
	}
}

package tensor

import (
	"testing"
)

func TestMatMulVariantsAgree(t *testing.T) {
	a := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	ab, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := MustNew([]int{2, 2}, []float32{58, 64, 139, 154})
	if !ab.AllClose(expected, 1e-5) {
		t.Errorf("Expected %v, got %v", expected.Data, ab.Data)
	}

	bt, _ := Transpose(b)
	viaB, err := MatMulTransB(a, bt)
	if err != nil {
		t.Fatalf("MatMulTransB failed: %v", err)
	}
	if !viaB.AllClose(expected, 1e-5) {
		t.Errorf("MatMulTransB: expected %v, got %v", expected.Data, viaB.Data)
	}

	at, _ := Transpose(a)
	viaA, err := MatMulTransA(at, b)
	if err != nil {
		t.Fatalf("MatMulTransA failed: %v", err)
	}
	if !viaA.AllClose(expected, 1e-5) {
		t.Errorf("MatMulTransA: expected %v, got %v", expected.Data, viaA.Data)
	}
}

func TestMatMulShapeMismatch(t *testing.T) {
	if _, err := MatMul(Zeros(2, 3), Zeros(2, 3)); err == nil {
		t.Error("Expected error for incompatible shapes")
	}
}

func TestConcatAndSumRows(t *testing.T) {
	a := MustNew([]int{1, 2}, []float32{1, 2})
	b := MustNew([]int{2, 2}, []float32{3, 4, 5, 6})
	c, err := ConcatRows(a, b)
	if err != nil {
		t.Fatalf("ConcatRows failed: %v", err)
	}
	if c.Rows() != 3 {
		t.Errorf("Expected 3 rows, got %d", c.Rows())
	}

	s, err := SumRows(c)
	if err != nil {
		t.Fatalf("SumRows failed: %v", err)
	}
	if s.Data[0] != 9 || s.Data[1] != 12 {
		t.Errorf("Expected [9 12], got %v", s.Data)
	}

	if _, err := ConcatRows(a, Zeros(1, 3)); err == nil {
		t.Error("Expected error for mismatched trailing shape")
	}
}

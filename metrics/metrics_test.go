package metrics

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-gan/tensor"
)

func gaussianRows(rng *rand.Rand, n, d int, shift float64) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, d)
		for j := range rows[i] {
			rows[i][j] = rng.NormFloat64() + shift
		}
	}
	return rows
}

func TestFIDOfIdenticalMomentsIsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	m, err := ComputeMoments(gaussianRows(rng, 200, 4, 0), nil, 1)
	if err != nil {
		t.Fatalf("ComputeMoments failed: %v", err)
	}
	fid, err := FID(m, m)
	if err != nil {
		t.Fatalf("FID failed: %v", err)
	}
	if math.Abs(fid) > 1e-6 {
		t.Errorf("Expected FID 0, got %f", fid)
	}
}

func TestFIDGrowsWithShift(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a, _ := ComputeMoments(gaussianRows(rng, 300, 3, 0), nil, 1)
	near, _ := ComputeMoments(gaussianRows(rng, 300, 3, 0.1), nil, 1)
	far, _ := ComputeMoments(gaussianRows(rng, 300, 3, 2), nil, 1)
	fNear, _ := FID(a, near)
	fFar, _ := FID(a, far)
	if !(fFar > fNear) {
		t.Errorf("Expected distant distribution to score worse: near=%f far=%f", fNear, fFar)
	}
	// mean shift of 2 in 3 dims contributes about 12
	if math.Abs(fFar-12) > 2 {
		t.Errorf("Expected FID near 12, got %f", fFar)
	}
}

func TestInceptionScore(t *testing.T) {
	// confident and uniformly spread over 4 classes: score = 4
	probs := make([][]float64, 8)
	for i := range probs {
		probs[i] = make([]float64, 4)
		probs[i][i%4] = 1
	}
	is, std, err := InceptionScore(probs, 2)
	if err != nil {
		t.Fatalf("InceptionScore failed: %v", err)
	}
	if math.Abs(is-4) > 1e-9 || std > 1e-9 {
		t.Errorf("Expected 4 ± 0, got %f ± %f", is, std)
	}

	uniform := [][]float64{{0.5, 0.5}, {0.5, 0.5}}
	is, _, _ = InceptionScore(uniform, 1)
	if math.Abs(is-1) > 1e-9 {
		t.Errorf("Expected score 1 for uninformative predictions, got %f", is)
	}
	if _, _, err := InceptionScore(uniform, 3); err == nil {
		t.Error("Expected error for more splits than samples")
	}
}

func TestMomentsFileRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m, _ := ComputeMoments(gaussianRows(rng, 20, 3, 1), nil, 1)
	m.IS, m.ISStd = 3.5, 0.25
	path := filepath.Join(t.TempDir(), "moments", "cifar10_valid_moments.json")
	if err := SaveMoments(path, m); err != nil {
		t.Fatalf("SaveMoments failed: %v", err)
	}
	loaded, err := LoadMoments(path)
	if err != nil {
		t.Fatalf("LoadMoments failed: %v", err)
	}
	fid, _ := FID(m, loaded)
	if math.Abs(fid) > 1e-9 || loaded.IS != 3.5 || loaded.N != 20 {
		t.Errorf("Round trip changed moments: fid=%f is=%f n=%d", fid, loaded.IS, loaded.N)
	}
}

func TestRandomProjectionIsDeterministic(t *testing.T) {
	a, err := NewRandomProjection([]int{1, 4, 4}, 8, 5, 42)
	if err != nil {
		t.Fatalf("NewRandomProjection failed: %v", err)
	}
	b, _ := NewRandomProjection([]int{1, 4, 4}, 8, 5, 42)
	x := tensor.RandomUniform(rand.New(rand.NewSource(0)), -1, 1, 3, 1, 4, 4)
	fa, pa, err := a.Extract(x)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	fb, _, _ := b.Extract(x)
	if !fa.AllClose(fb, 0) {
		t.Error("Expected identical features for identical seeds")
	}
	for i := 0; i < 3; i++ {
		s := 0.0
		for _, v := range pa.Row(i) {
			s += float64(v)
		}
		if math.Abs(s-1) > 1e-5 {
			t.Errorf("Expected probabilities to sum to 1, got %f", s)
		}
	}
	if _, _, err := a.Extract(tensor.Zeros(1, 3, 4, 4)); err == nil {
		t.Error("Expected error for wrong image size")
	}
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	logits := tensor.MustNew([]int{4, 3}, []float32{
		1, 0, 0,
		0, 1, 0,
		0, 1, 0,
		0, 0, 1,
	})
	if err := cm.Update(logits, []int{0, 1, 2, 2}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if acc := cm.GetMetric(Accuracy); acc != 0.75 {
		t.Errorf("Expected accuracy 0.75, got %f", acc)
	}
	if r := cm.GetMetric(MacroRecall); math.Abs(r-(1+1+0.5)/3) > 1e-9 {
		t.Errorf("Unexpected macro recall %f", r)
	}
	if err := cm.Update(logits, []int{0}); err == nil {
		t.Error("Expected label count error")
	}
}

func TestNearestNeighbors(t *testing.T) {
	pool := tensor.MustNew([]int{3, 2}, []float32{0, 0, 5, 5, 1, 1})
	query := tensor.MustNew([]int{1, 2}, []float32{4, 4})
	nn, err := NearestNeighbors(query, pool, 2)
	if err != nil {
		t.Fatalf("NearestNeighbors failed: %v", err)
	}
	if nn[0][0] != 1 || nn[0][1] != 2 {
		t.Errorf("Expected [1 2], got %v", nn[0])
	}
	if _, err := NearestNeighbors(query, pool, 4); err == nil {
		t.Error("Expected error for k larger than pool")
	}
}

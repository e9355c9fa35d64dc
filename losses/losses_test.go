package losses

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/layers"
	"github.com/tsawler/go-gan/tensor"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func TestFamiliesAreFinite(t *testing.T) {
	real := []float64{2.5, -1, 0.3, 40}
	fake := []float64{-3, 0.1, -40, 1}
	for _, name := range Names() {
		f, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
		dl, gr, gf := f.Discriminator(real, fake)
		gl, gg := f.Generator(fake)
		if !finite(dl) || !finite(gl) {
			t.Errorf("%s: expected finite losses, got D=%f G=%f", name, dl, gl)
		}
		if len(gr) != len(real) || len(gf) != len(fake) || len(gg) != len(fake) {
			t.Errorf("%s: gradient length mismatch", name)
		}
	}
}

func TestUnknownFamily(t *testing.T) {
	_, err := Lookup("least_square")
	if errors.Cause(err) != ErrUnknownLoss {
		t.Errorf("Expected ErrUnknownLoss, got %v", err)
	}
}

func TestHingeValues(t *testing.T) {
	f, _ := Lookup("hinge")
	d, gr, gf := f.Discriminator([]float64{2, 0}, []float64{-2, 0})
	// relu(1-2)=0, relu(1-0)=1 -> 0.5; relu(1-2)=0, relu(1+0)=1 -> 0.5
	if d != 1 {
		t.Errorf("Expected D loss 1, got %f", d)
	}
	if gr[0] != 0 || gr[1] != -0.5 || gf[0] != 0 || gf[1] != 0.5 {
		t.Errorf("Unexpected gradients %v %v", gr, gf)
	}
	g, _ := f.Generator([]float64{1, 3})
	if g != -2 {
		t.Errorf("Expected G loss -2, got %f", g)
	}
}

func TestVanillaGradient(t *testing.T) {
	f, _ := Lookup("vanilla")
	real := []float64{0.4, -0.7}
	fake := []float64{0.2, 1.3}
	_, gr, _ := f.Discriminator(real, fake)
	const h = 1e-6
	for i := range real {
		orig := real[i]
		real[i] = orig + h
		up, _, _ := f.Discriminator(real, fake)
		real[i] = orig - h
		down, _, _ := f.Discriminator(real, fake)
		real[i] = orig
		if num := (up - down) / (2 * h); math.Abs(num-gr[i]) > 1e-6 {
			t.Errorf("Expected gradient %f, got %f", num, gr[i])
		}
	}
}

func TestGradientPenalty(t *testing.T) {
	p, w := GradientPenalty([]float64{1, 1, 1})
	if p != 0 {
		t.Errorf("Expected zero penalty at unit norm, got %f", p)
	}
	for _, v := range w {
		if v != 0 {
			t.Errorf("Expected zero weight at unit norm, got %f", v)
		}
	}
	p, _ = GradientPenalty([]float64{1, 1.5})
	if p <= 0 {
		t.Errorf("Expected positive penalty, got %f", p)
	}
	if math.Abs(p-0.125) > 1e-12 {
		t.Errorf("Expected 0.125, got %f", p)
	}
}

func TestClipParams(t *testing.T) {
	p := layers.NewParam("w", 4)
	copy(p.Data, []float32{-2, -0.005, 0.3, 7})
	ClipParams([]*layers.Param{p}, 0.01)
	for _, v := range p.Data {
		if v < -0.01 || v > 0.01 {
			t.Errorf("Expected value in [-0.01, 0.01], got %f", v)
		}
	}
	if p.Data[1] != -0.005 {
		t.Errorf("Expected in-range value untouched, got %f", p.Data[1])
	}
}

func TestConsistency(t *testing.T) {
	l, ga, gb, err := Consistency([]float64{1, 2}, []float64{1, 0})
	if err != nil {
		t.Fatalf("Consistency failed: %v", err)
	}
	if l != 2 || ga[1] != 2 || gb[1] != -2 {
		t.Errorf("Unexpected consistency result %f %v %v", l, ga, gb)
	}
	if _, _, _, err := Consistency([]float64{1}, nil); err == nil {
		t.Error("Expected length mismatch error")
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := tensor.MustNew([]int{2, 3}, []float32{0, 0, 0, 10, 0, 0})
	l, g, err := CrossEntropy(logits, []int{1, 0})
	if err != nil {
		t.Fatalf("CrossEntropy failed: %v", err)
	}
	want := (math.Log(3) + math.Log(1+2*math.Exp(-10))) / 2
	if math.Abs(l-want) > 1e-6 {
		t.Errorf("Expected %f, got %f", want, l)
	}
	var s float64
	for _, v := range g.Row(0) {
		s += float64(v)
	}
	if math.Abs(s) > 1e-6 {
		t.Errorf("Expected softmax gradient rows to sum to 0, got %f", s)
	}
	if Accuracy(logits, []int{1, 0}) != 0.5 {
		t.Errorf("Expected accuracy 0.5, got %f", Accuracy(logits, []int{1, 0}))
	}
}

func unitRows(rng *rand.Rand, n, d int) *tensor.Tensor {
	x := tensor.RandomNormal(rng, 0, 1, n, d)
	out, _ := layers.L2NormalizeRows(x)
	return out
}

func checkContrastiveGrad(t *testing.T, name string, fn func(a, b *tensor.Tensor) (*ContrastiveResult, error), a, b *tensor.Tensor) {
	t.Helper()
	res, err := fn(a, b)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	if !finite(res.Loss) {
		t.Fatalf("%s: expected finite loss, got %f", name, res.Loss)
	}
	const h = 1e-3
	for _, tc := range []struct {
		x *tensor.Tensor
		g *tensor.Tensor
	}{{a, res.GradA}, {b, res.GradB}} {
		for _, i := range []int{0, 3, len(tc.x.Data) - 1} {
			orig := tc.x.Data[i]
			tc.x.Data[i] = orig + h
			up, _ := fn(a, b)
			tc.x.Data[i] = orig - h
			down, _ := fn(a, b)
			tc.x.Data[i] = orig
			num := (up.Loss - down.Loss) / (2 * h)
			if math.Abs(num-float64(tc.g.Data[i])) > 5e-3 {
				t.Errorf("%s: element %d expected gradient %f, got %f", name, i, num, tc.g.Data[i])
			}
		}
	}
}

func TestContrastiveGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	labels := []int{0, 1, 0, 2}
	a := unitRows(rng, 4, 3)
	b := unitRows(rng, 4, 3)

	checkContrastiveGrad(t, "2C", func(x, y *tensor.Tensor) (*ContrastiveResult, error) {
		return ConditionalContrastive(x, y, labels, 0.5, 0.1, true)
	}, a, b)
	checkContrastiveGrad(t, "2C-no-pos", func(x, y *tensor.Tensor) (*ContrastiveResult, error) {
		return ConditionalContrastive(x, y, labels, 0.5, 0, false)
	}, a, b)
	checkContrastiveGrad(t, "ProxyNCA", func(x, y *tensor.Tensor) (*ContrastiveResult, error) {
		return ProxyNCA(x, y, labels, 0.5)
	}, a, b)
	checkContrastiveGrad(t, "NTXent", func(x, y *tensor.Tensor) (*ContrastiveResult, error) {
		return NTXent(x, y, 0.5)
	}, a, b)
}

func TestContrastiveRejectsBadInput(t *testing.T) {
	a := tensor.Zeros(2, 3)
	if _, err := ConditionalContrastive(a, tensor.Zeros(2, 4), []int{0, 1}, 1, 0, false); err == nil {
		t.Error("Expected shape mismatch error")
	}
	if _, err := ProxyNCA(a, a, []int{0}, 1); err == nil {
		t.Error("Expected label count error")
	}
	if _, err := NTXent(a, a, 0); err == nil {
		t.Error("Expected temperature error")
	}
}

func TestConditionalContrastiveValue(t *testing.T) {
	// Two orthogonal anchors that are their own proxies, different labels.
	embed, err := tensor.FromRows([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatal(err)
	}
	const temp = 0.5
	res, err := ConditionalContrastive(embed, embed, []int{0, 1}, temp, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	e := math.Exp(1 / temp)
	want := -math.Log(temp * e / (e + 1))
	if math.Abs(res.Loss-want) > 1e-9 {
		t.Errorf("Expected loss %f, got %f", want, res.Loss)
	}
}

func TestConditionalContrastiveMarginCancels(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	labels := []int{0, 1, 0, 2}
	a := unitRows(rng, 4, 3)
	b := unitRows(rng, 4, 3)
	base, err := ConditionalContrastive(a, b, labels, 0.5, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	shifted, err := ConditionalContrastive(a, b, labels, 0.5, 0.3, true)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(base.Loss-shifted.Loss) > 1e-9 {
		t.Errorf("Expected the margin to cancel, got %f and %f", base.Loss, shifted.Loss)
	}
	if !base.GradA.AllClose(shifted.GradA, 1e-5) || !base.GradB.AllClose(shifted.GradB, 1e-5) {
		t.Error("Expected gradients independent of the margin")
	}
}

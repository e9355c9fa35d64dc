package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Initializer fills a parameter with starting values.
type Initializer func(rng *rand.Rand, p *Param)

// LookupInitializer maps an initialisation name to an Initializer.
func LookupInitializer(name string) (Initializer, error) {
	switch name {
	case "ortho":
		return Orthogonal, nil
	case "N02":
		return Normal02, nil
	case "glorot", "xavier":
		return Glorot, nil
	case "default", "":
		return FanInUniform, nil
	default:
		return nil, errors.Errorf("unknown initialisation %q", name)
	}
}

// Normal02 draws from N(0, 0.02^2).
func Normal02(rng *rand.Rand, p *Param) {
	for i := range p.Data {
		p.Data[i] = float32(0.02 * rng.NormFloat64())
	}
}

// Glorot draws from the Xavier uniform distribution.
func Glorot(rng *rand.Rand, p *Param) {
	fanOut, fanIn := fans(p)
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Data {
		p.Data[i] = float32((2*rng.Float64() - 1) * limit)
	}
}

// FanInUniform draws from U(-1/sqrt(fan_in), 1/sqrt(fan_in)).
func FanInUniform(rng *rand.Rand, p *Param) {
	_, fanIn := fans(p)
	limit := 1 / math.Sqrt(float64(fanIn))
	for i := range p.Data {
		p.Data[i] = float32((2*rng.Float64() - 1) * limit)
	}
}

// Orthogonal sets a 2-D parameter to a (semi-)orthogonal matrix obtained from
// the QR decomposition of a Gaussian matrix. Other shapes fall back to N02.
func Orthogonal(rng *rand.Rand, p *Param) {
	if len(p.Shape) != 2 {
		Normal02(rng, p)
		return
	}
	rows, cols := p.Shape[0], p.Shape[1]
	tall, short := rows, cols
	transposed := false
	if rows < cols {
		tall, short = cols, rows
		transposed = true
	}

	g := make([]float64, tall*short)
	for i := range g {
		g[i] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(tall, short, g))
	var q mat.Dense
	qr.QTo(&q)
	var r mat.Dense
	qr.RTo(&r)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			a, b := i, j
			if transposed {
				a, b = j, i
			}
			// Sign correction makes the distribution uniform over orthogonal matrices.
			sign := 1.0
			if r.At(b, b) < 0 {
				sign = -1
			}
			p.Data[i*cols+j] = float32(sign * q.At(a, b))
		}
	}
}

func fans(p *Param) (fanOut, fanIn int) {
	switch len(p.Shape) {
	case 0:
		return 1, 1
	case 1:
		return p.Shape[0], p.Shape[0]
	default:
		fanOut = p.Shape[0]
		fanIn = 1
		for _, d := range p.Shape[1:] {
			fanIn *= d
		}
		return fanOut, fanIn
	}
}

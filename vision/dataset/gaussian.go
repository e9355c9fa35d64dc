package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// GaussianDataset is a synthetic labelled image set. Each class has a fixed
// random mean image; samples are that mean plus isotropic noise, squashed into
// [-1, 1] by tanh. Equal seeds produce identical datasets.
type GaussianDataset struct {
	shape      []int
	numClasses int
	images     [][]float32
	labels     []int
}

// GaussianConfig configures a GaussianDataset.
type GaussianConfig struct {
	Size       int
	NumClasses int
	Channels   int
	ImgSize    int
	// Noise is the per-pixel standard deviation around the class mean.
	Noise float64
	Seed  int64
}

// NewGaussianDataset generates the dataset eagerly. Labels cycle through the
// classes so every class is represented when Size >= NumClasses.
func NewGaussianDataset(config GaussianConfig) (*GaussianDataset, error) {
	if config.Size <= 0 || config.NumClasses <= 0 || config.Channels <= 0 || config.ImgSize <= 0 {
		return nil, errors.Errorf("gaussian dataset needs positive sizes, got %+v", config)
	}
	if config.Noise <= 0 {
		config.Noise = 0.3
	}
	dim := config.Channels * config.ImgSize * config.ImgSize
	// Class means come from a stream independent of the sample noise so that
	// train and eval splits built with different seeds share them.
	meanRng := rand.New(rand.NewSource(int64(config.NumClasses)*7919 + int64(dim)))
	means := make([][]float64, config.NumClasses)
	for k := range means {
		means[k] = make([]float64, dim)
		for j := range means[k] {
			means[k][j] = meanRng.NormFloat64()
		}
	}

	rng := rand.New(rand.NewSource(config.Seed))
	d := &GaussianDataset{
		shape:      []int{config.Channels, config.ImgSize, config.ImgSize},
		numClasses: config.NumClasses,
		images:     make([][]float32, config.Size),
		labels:     make([]int, config.Size),
	}
	for i := 0; i < config.Size; i++ {
		label := i % config.NumClasses
		img := make([]float32, dim)
		for j := range img {
			img[j] = float32(math.Tanh(means[label][j] + config.Noise*rng.NormFloat64()))
		}
		d.images[i] = img
		d.labels[i] = label
	}
	return d, nil
}

func (d *GaussianDataset) Len() int        { return len(d.images) }
func (d *GaussianDataset) NumClasses() int { return d.numClasses }
func (d *GaussianDataset) Shape() []int    { return d.shape }

func (d *GaussianDataset) Sample(index int) ([]float32, int, error) {
	if index < 0 || index >= len(d.images) {
		return nil, 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.images))
	}
	return d.images[index], d.labels[index], nil
}

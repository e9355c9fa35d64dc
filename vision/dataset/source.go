// Package dataset provides labelled image collections: an image-folder
// listing, a synthetic Gaussian dataset and index subsets.
package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Source is an indexed collection of labelled images already decoded to CHW
// float32 values in [-1, 1]. Sample must be safe for concurrent use.
type Source interface {
	Len() int
	NumClasses() int
	// Shape returns the per-image shape (channels, height, width).
	Shape() []int
	// Sample returns the pixels and label at index. Callers must not modify
	// the returned slice.
	Sample(index int) ([]float32, int, error)
}

// SubsetDataset exposes the samples of an underlying Source at the given
// indices.
type SubsetDataset struct {
	original Source
	indices  []int
}

// NewSubsetDataset wraps original, keeping only indices.
func NewSubsetDataset(original Source, indices []int) (*SubsetDataset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= original.Len() {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, original.Len())
		}
	}
	return &SubsetDataset{original: original, indices: indices}, nil
}

// RandomSubset keeps round(fraction*Len) samples chosen without replacement.
// A fraction of 1 returns original unchanged.
func RandomSubset(original Source, fraction float64, rng *rand.Rand) (Source, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, errors.Errorf("subset fraction must be in (0, 1], got %g", fraction)
	}
	if fraction == 1 {
		return original, nil
	}
	n := int(float64(original.Len())*fraction + 0.5)
	if n < 1 {
		n = 1
	}
	perm := rng.Perm(original.Len())[:n]
	return NewSubsetDataset(original, perm)
}

func (sd *SubsetDataset) Len() int        { return len(sd.indices) }
func (sd *SubsetDataset) NumClasses() int { return sd.original.NumClasses() }
func (sd *SubsetDataset) Shape() []int    { return sd.original.Shape() }

func (sd *SubsetDataset) Sample(index int) ([]float32, int, error) {
	if index < 0 || index >= len(sd.indices) {
		return nil, 0, errors.Errorf("index %d out of bounds for subset of %d", index, len(sd.indices))
	}
	return sd.original.Sample(sd.indices[index])
}

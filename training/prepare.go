package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/async"
	"github.com/tsawler/go-gan/metrics"
)

// BatchIterator yields one finite pass of image batches.
type BatchIterator interface {
	// Next returns io.EOF after the last batch.
	Next() (*async.Batch, error)
	// Len returns the number of batches in a pass.
	Len() int
	Reset() error
}

// FakeBatches iterates over total generated images in batches of batchSize.
type FakeBatches struct {
	sampler   *Sampler
	total     int
	batchSize int
	produced  int
	batchID   uint64
}

// NewFakeBatches wraps a sampler as a finite batch iterator.
func NewFakeBatches(sampler *Sampler, total, batchSize int) (*FakeBatches, error) {
	if total <= 0 || batchSize <= 0 {
		return nil, errors.Errorf("fake batches need positive sizes, got total=%d batch=%d", total, batchSize)
	}
	return &FakeBatches{sampler: sampler, total: total, batchSize: batchSize}, nil
}

func (f *FakeBatches) Len() int { return (f.total + f.batchSize - 1) / f.batchSize }

func (f *FakeBatches) Reset() error {
	f.produced, f.batchID = 0, 0
	return nil
}

func (f *FakeBatches) Next() (*async.Batch, error) {
	if f.produced >= f.total {
		return nil, io.EOF
	}
	n := f.batchSize
	if f.total-f.produced < n {
		n = f.total - f.produced
	}
	img, labels, err := f.sampler.Sample(n)
	if err != nil {
		return nil, err
	}
	f.produced += n
	b := &async.Batch{Images: img, Labels: labels, BatchID: f.batchID}
	f.batchID++
	return b, nil
}

// PrepareMoments embeds every batch of one pass over batches with the
// extractor and returns the feature mean and covariance together with the
// Inception-style score over splits contiguous groups.
func PrepareMoments(ctx context.Context, exec ExecutionStrategy, batches BatchIterator, extractor metrics.FeatureExtractor, splits int, progress io.Writer) (*metrics.Moments, error) {
	if err := batches.Reset(); err != nil {
		return nil, errors.Wrap(err, "rewinding batches")
	}
	bar := NewProgressBar(progress, "Calculate moments", batches.Len())
	var features, probs [][]float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading batch")
		}
		f, p, err := extractFeatures(exec, extractor, b.Images)
		if err != nil {
			return nil, err
		}
		for i := 0; i < f.Rows(); i++ {
			features = append(features, toFloat64(f.Row(i)))
			probs = append(probs, toFloat64(p.Row(i)))
		}
		bar.Add(1)
	}
	bar.Finish()
	if len(features) < splits {
		return nil, errors.Errorf("%d samples cannot be split into %d groups", len(features), splits)
	}
	return metrics.ComputeMoments(features, probs, splits)
}

func toFloat64(row []float32) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = float64(v)
	}
	return out
}

// MomentsKey identifies the reference statistics of a dataset split. Every
// field that changes the statistics is part of the file name.
type MomentsKey struct {
	Dataset    string
	Split      string
	ImgSize    int
	Channels   int
	FeatureDim int
	// Synthetic sources are regenerated from Seed, so it joins the key.
	Synthetic bool
	Seed      int64
}

// MomentsPath returns where the statistics for key are kept between runs.
func MomentsPath(dir string, key MomentsKey) string {
	name := fmt.Sprintf("%s_%s_%dx%dx%d_f%d", key.Dataset, key.Split, key.Channels, key.ImgSize, key.ImgSize, key.FeatureDim)
	if key.Synthetic {
		name += fmt.Sprintf("_seed%d", key.Seed)
	}
	return filepath.Join(dir, name+"_moments.json")
}

// MomentCache computes reference statistics once and serves them to every
// later evaluation. With a path the statistics are also loaded from and
// saved to disk.
type MomentCache struct {
	path    string
	compute func(ctx context.Context) (*metrics.Moments, error)

	mu           sync.Mutex
	moments      *metrics.Moments
	computations int
}

// NewMomentCache wraps compute. path may be empty.
func NewMomentCache(path string, compute func(ctx context.Context) (*metrics.Moments, error)) *MomentCache {
	return &MomentCache{path: path, compute: compute}
}

// Get returns the cached statistics, loading or computing them on first use.
// Failed attempts are not cached.
func (c *MomentCache) Get(ctx context.Context) (*metrics.Moments, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.moments != nil {
		return c.moments, nil
	}
	if c.path != "" {
		if _, err := os.Stat(c.path); err == nil {
			m, err := metrics.LoadMoments(c.path)
			if err != nil {
				return nil, errors.Wrapf(err, "loading moments from %s", c.path)
			}
			c.moments = m
			return m, nil
		}
	}
	m, err := c.compute(ctx)
	if err != nil {
		return nil, err
	}
	c.computations++
	if c.path != "" {
		if err := metrics.SaveMoments(c.path, m); err != nil {
			return nil, errors.Wrapf(err, "saving moments to %s", c.path)
		}
	}
	c.moments = m
	return m, nil
}

// Computations returns how many times the statistics were computed.
func (c *MomentCache) Computations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computations
}

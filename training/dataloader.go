package training

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/async"
	"github.com/tsawler/go-gan/tensor"
	"github.com/tsawler/go-gan/vision/dataset"
	"github.com/tsawler/go-gan/vision/preprocessing"
)

// DataLoaderConfig controls batching of a dataset.Source.
type DataLoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool
	RandomFlip bool
	// NumWorkers bounds the goroutines assembling one batch.
	NumWorkers int
	Seed       int64
}

// DataLoader provides batching, per-epoch shuffling and optional random
// horizontal flips over a dataset.Source. It implements async.DataSource.
type DataLoader struct {
	src     dataset.Source
	config  DataLoaderConfig
	rng     *rand.Rand
	indices []int

	mutex    sync.Mutex
	position int
	epoch    int
	batchID  uint64
}

// NewDataLoader creates a loader over src.
func NewDataLoader(src dataset.Source, config DataLoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if src.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	if config.DropLast && src.Len() < config.BatchSize {
		return nil, errors.Errorf("dataset has %d samples, fewer than one batch of %d", src.Len(), config.BatchSize)
	}
	dl := &DataLoader{src: src, config: config}
	if err := dl.Reset(); err != nil {
		return nil, err
	}
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.src.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int { return dl.config.BatchSize }

// Size returns the number of samples in the underlying source.
func (dl *DataLoader) Size() int { return dl.src.Len() }

// Epoch returns the number of completed passes.
func (dl *DataLoader) Epoch() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.epoch
}

// Reset rewinds to the first epoch with the configured seed, so the batch
// sequence after a Reset matches a fresh loader.
func (dl *DataLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.rng = rand.New(rand.NewSource(dl.config.Seed))
	dl.indices = make([]int, dl.src.Len())
	for i := range dl.indices {
		dl.indices[i] = i
	}
	dl.position, dl.epoch, dl.batchID = 0, 0, 0
	dl.shuffle()
	return nil
}

func (dl *DataLoader) shuffle() {
	if !dl.config.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Next returns the next batch of the current epoch, or io.EOF once the epoch
// is exhausted. The following call starts a new epoch.
func (dl *DataLoader) Next() (*async.Batch, error) {
	dl.mutex.Lock()
	n := len(dl.indices)
	remaining := n - dl.position
	if remaining == 0 || (dl.config.DropLast && remaining < dl.config.BatchSize) {
		dl.position = 0
		dl.epoch++
		dl.shuffle()
		dl.mutex.Unlock()
		return nil, io.EOF
	}
	size := dl.config.BatchSize
	if remaining < size {
		size = remaining
	}
	idx := append([]int(nil), dl.indices[dl.position:dl.position+size]...)
	flips := make([]bool, size)
	if dl.config.RandomFlip {
		for i := range flips {
			flips[i] = dl.rng.Float64() < 0.5
		}
	}
	dl.position += size
	id := dl.batchID
	dl.batchID++
	epoch := dl.epoch
	dl.mutex.Unlock()

	return dl.assemble(idx, flips, id, epoch)
}

// GetBatch returns the next full batch, starting a new epoch whenever the
// current one runs out. batchSize must equal the configured batch size.
func (dl *DataLoader) GetBatch(batchSize int) (*async.Batch, error) {
	if batchSize != dl.config.BatchSize {
		return nil, errors.Errorf("loader built for batch size %d, asked for %d", dl.config.BatchSize, batchSize)
	}
	b, err := dl.Next()
	if err == io.EOF {
		b, err = dl.Next()
	}
	return b, err
}

// assemble reads the samples of one batch concurrently into [N, C, H, W].
func (dl *DataLoader) assemble(idx []int, flips []bool, id uint64, epoch int) (*async.Batch, error) {
	shape := dl.src.Shape()
	c, h, w := shape[0], shape[1], shape[2]
	images := tensor.Zeros(len(idx), c, h, w)
	labels := make([]int, len(idx))

	err := async.ForEach(len(idx), dl.config.NumWorkers, func(i int) error {
		data, label, err := dl.src.Sample(idx[i])
		if err != nil {
			return errors.Wrapf(err, "loading sample %d", idx[i])
		}
		row := images.Row(i)
		if len(data) != len(row) {
			return errors.Errorf("sample %d has %d values, expected %d", idx[i], len(data), len(row))
		}
		copy(row, data)
		if flips[i] {
			preprocessing.FlipHorizontal(row, c, h, w)
		}
		labels[i] = label
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &async.Batch{Images: images, Labels: labels, BatchID: id, Epoch: epoch}, nil
}

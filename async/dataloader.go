// Package async runs data preparation off the training goroutine: a
// prefetching batch loader and a bounded parallel for-loop.
package async

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// ErrStopped is returned by GetBatch once the loader has been stopped.
var ErrStopped = errors.New("data loader has been stopped")

// Batch is one batch of images with their class labels.
type Batch struct {
	Images  *tensor.Tensor // [N, C, H, W] in [-1, 1]
	Labels  []int
	BatchID uint64
	Epoch   int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataSource produces batches in a fixed order. Implementations need not be
// safe for concurrent use; the loader calls GetBatch from one goroutine.
type DataSource interface {
	// GetBatch returns the next batch of batchSize samples.
	GetBatch(batchSize int) (*Batch, error)

	// Size returns the total number of samples available.
	Size() int

	// Reset rewinds the source to the beginning.
	Reset() error
}

type result struct {
	batch *Batch
	err   error
}

// AsyncDataLoader prefetches batches from a DataSource on a background
// goroutine. A single producer keeps batch order identical to calling the
// source directly.
type AsyncDataLoader struct {
	dataSource    DataSource
	batchSize     int
	prefetchDepth int

	results chan result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchCounter atomic.Uint64
	delivered    uint64
	isRunning    bool
	stopped      bool
	err          error
	mutex        sync.RWMutex
}

// AsyncDataLoaderConfig holds configuration for the data loader.
type AsyncDataLoaderConfig struct {
	BatchSize     int // Size of each batch
	PrefetchDepth int // Number of batches to prefetch (default: 3)
}

// NewAsyncDataLoader creates a loader. Call Start before GetBatch.
func NewAsyncDataLoader(dataSource DataSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if dataSource == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	return &AsyncDataLoader{
		dataSource:    dataSource,
		batchSize:     config.BatchSize,
		prefetchDepth: config.PrefetchDepth,
		results:       make(chan result, config.PrefetchDepth),
	}, nil
}

// Start launches the producer. Cancelling ctx stops it.
func (adl *AsyncDataLoader) Start(ctx context.Context) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return errors.New("data loader is already running")
	}
	if adl.stopped {
		return ErrStopped
	}
	adl.ctx, adl.cancel = context.WithCancel(ctx)
	adl.wg.Add(1)
	go adl.produce()
	adl.isRunning = true
	return nil
}

// Stop cancels the producer, waits for it and discards queued batches. The
// lock is not held while waiting, so a producer inside the source can finish.
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	if !adl.isRunning {
		adl.mutex.Unlock()
		return nil
	}
	adl.isRunning = false
	adl.stopped = true
	adl.mutex.Unlock()

	adl.cancel()
	adl.wg.Wait()
	close(adl.results)
	for range adl.results {
	}
	return nil
}

// GetBatch blocks until the next batch is ready. A source error is delivered
// after every batch produced before it.
func (adl *AsyncDataLoader) GetBatch(ctx context.Context) (*Batch, error) {
	adl.mutex.RLock()
	running, sticky := adl.isRunning, adl.err
	adl.mutex.RUnlock()
	if !running {
		return nil, ErrStopped
	}
	if sticky != nil {
		return nil, sticky
	}

	select {
	case r, ok := <-adl.results:
		if !ok {
			return nil, ErrStopped
		}
		if r.err != nil {
			err := errors.Wrap(r.err, "data loader error")
			adl.mutex.Lock()
			adl.err = err
			adl.mutex.Unlock()
			return nil, err
		}
		adl.mutex.Lock()
		adl.delivered++
		adl.mutex.Unlock()
		return r.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-adl.ctx.Done():
		return nil, ErrStopped
	}
}

func (adl *AsyncDataLoader) produce() {
	defer adl.wg.Done()

	for {
		select {
		case <-adl.ctx.Done():
			return
		default:
		}

		batch, err := adl.dataSource.GetBatch(adl.batchSize)
		if err != nil {
			select {
			case adl.results <- result{err: errors.Wrap(err, "failed to get batch from data source")}:
			case <-adl.ctx.Done():
			}
			return
		}

		batch.BatchID = adl.batchCounter.Add(1) - 1

		select {
		case adl.results <- result{batch: batch}:
		case <-adl.ctx.Done():
			return
		}
	}
}

// Stats returns statistics about the data loader.
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter.Load(),
		BatchesConsumed: adl.delivered,
		QueuedBatches:   len(adl.results),
		QueueCapacity:   cap(adl.results),
	}
}

// AsyncDataLoaderStats provides statistics about the data loader.
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
}

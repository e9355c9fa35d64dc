// Package dataloader decodes image-folder samples on demand behind an LRU
// cache.
package dataloader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/vision/preprocessing"
)

// Dataset lists image files with their labels.
type Dataset interface {
	Len() int
	NumClasses() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for an ImageSource.
type Config struct {
	ImageSize    int
	Channels     int
	MaxCacheSize int // Maximum number of decoded images to keep (default 1000)
}

// ImageSource decodes dataset images to CHW float32 in [-1, 1]. Sample is
// safe for concurrent use; concurrent misses on one index may decode it twice.
type ImageSource struct {
	dataset      Dataset
	cacheManager *CacheManager
	imageSize    int
	channels     int
}

// NewImageSource wraps a path dataset.
func NewImageSource(dataset Dataset, config Config) (*ImageSource, error) {
	if config.ImageSize <= 0 || (config.Channels != 1 && config.Channels != 3) {
		return nil, errors.Errorf("invalid image source config %+v", config)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}
	itemSize := config.Channels * config.ImageSize * config.ImageSize
	return &ImageSource{
		dataset:      dataset,
		cacheManager: NewCacheManager(config.MaxCacheSize, itemSize),
		imageSize:    config.ImageSize,
		channels:     config.Channels,
	}, nil
}

func (s *ImageSource) Len() int        { return s.dataset.Len() }
func (s *ImageSource) NumClasses() int { return s.dataset.NumClasses() }
func (s *ImageSource) Shape() []int    { return []int{s.channels, s.imageSize, s.imageSize} }

// Sample returns the decoded image and label at index.
func (s *ImageSource) Sample(index int) ([]float32, int, error) {
	path, label, err := s.dataset.GetItem(index)
	if err != nil {
		return nil, 0, err
	}
	if data, ok := s.cacheManager.Get(index); ok {
		return data, label, nil
	}
	// Processors hold a scratch buffer, so each miss uses its own.
	img, err := preprocessing.NewImageProcessor(s.imageSize, s.channels).DecodeFile(path)
	if err != nil {
		return nil, 0, err
	}
	if err := s.cacheManager.Put(index, img.Data); err != nil {
		return nil, 0, err
	}
	return img.Data, label, nil
}

// Stats returns cache statistics.
func (s *ImageSource) Stats() string {
	return s.cacheManager.Stats().String()
}

package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// CacheManager is an LRU cache of decoded images keyed by sample index.
type CacheManager struct {
	mu       sync.Mutex
	cache    map[int]*list.Element
	lru      *list.List
	maxSize  int
	itemSize int // values per image

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  int
	data []float32
}

// NewCacheManager creates a cache holding at most maxSize images of itemSize
// float32 values each.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	if maxSize < 0 {
		maxSize = 0
	}
	return &CacheManager{
		cache:    make(map[int]*list.Element),
		lru:      list.New(),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an image and marks it most recently used.
func (cm *CacheManager) Get(key int) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.cache[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	cm.misses++
	return nil, false
}

// Put stores an image, evicting the least recently used entries beyond
// capacity. Images of the wrong size are rejected.
func (cm *CacheManager) Put(key int, data []float32) error {
	if len(data) != cm.itemSize {
		return errors.Errorf("cache expects %d values per image, got %d", cm.itemSize, len(data))
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize == 0 {
		return nil
	}
	if elem, ok := cm.cache[key]; ok {
		cm.lru.MoveToFront(elem)
		return nil
	}
	cm.cache[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.cache, oldest.Value.(*cacheEntry).key)
	}
	return nil
}

// Stats returns cache statistics.
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{Size: cm.lru.Len(), MaxSize: cm.maxSize, Hits: cm.hits, Misses: cm.misses}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every cached image. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[int]*list.Element)
	cm.lru.Init()
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

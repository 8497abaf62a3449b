package dataset

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-segtrain/tensor"
)

type sample struct {
	image *tensor.Tensor
	mask  *tensor.Tensor
}

// CacheManager is an LRU cache of decoded samples keyed by dataset index.
type CacheManager struct {
	mu      sync.Mutex
	cache   map[int]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key int
	sample
}

// NewCacheManager creates a cache holding at most maxSize samples.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the cached sample for key and marks it most recently used.
func (cm *CacheManager) Get(key int) (image, mask *tensor.Tensor, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		cm.hits++
		e := elem.Value.(*cacheEntry)
		return e.image, e.mask, true
	}
	cm.misses++
	return nil, nil, false
}

// Put stores a sample, evicting the least recently used entries beyond maxSize.
func (cm *CacheManager) Put(key int, image, mask *tensor.Tensor) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		return
	}
	cm.cache[key] = cm.lru.PushFront(&cacheEntry{key: key, sample: sample{image: image, mask: mask}})

	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.cache, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{Size: cm.lru.Len(), MaxSize: cm.maxSize, Hits: cm.hits, Misses: cm.misses}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every entry. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cache = make(map[int]*list.Element)
	cm.lru.Init()
}

// CacheStats holds cache statistics
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

// Package sizecache caches the logical size of a remote file so repeated
// Segment acquisitions for the same key don't each pay a remote stat call.
package sizecache

import (
	"sync"
)

// defaultEvictionPercentage is the fraction of entries dropped when the map
// reaches capacity at insertion.
const defaultEvictionPercentage int = 5

// SizeCache is a bounded, synchronized map from file key to its known size in bytes.
type SizeCache struct {
	sizes              map[string]int64
	lock               sync.RWMutex
	capacity           int
	evictionPercentage int
}

// Get retrieves the cached size for key, if known.
func (sc *SizeCache) Get(key string) (size int64, ok bool) {
	sc.lock.RLock()
	defer sc.lock.RUnlock()
	size, ok = sc.sizes[key]
	return
}

// Set records the size for key, first evicting a batch of arbitrary entries if
// the cache is at capacity.
func (sc *SizeCache) Set(key string, size int64) {
	sc.lock.Lock()
	defer sc.lock.Unlock()

	if _, ok := sc.sizes[key]; !ok {
		if numEntries := len(sc.sizes); numEntries >= sc.capacity {
			numToEvict := numEntries * sc.evictionPercentage / 100
			if numToEvict <= 1 {
				numToEvict = 1
			}
			evicted := 0
			for k := range sc.sizes { // map iteration order is randomized; that's our eviction choice.
				delete(sc.sizes, k)
				evicted++
				if evicted >= numToEvict {
					break
				}
			}
		}
	}

	sc.sizes[key] = size
}

// Delete removes the cached size for key, if any.
func (sc *SizeCache) Delete(key string) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	delete(sc.sizes, key)
}

// New creates a SizeCache bounded to maxEntries (at least 1).
func New(maxEntries int) *SizeCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &SizeCache{
		sizes:              make(map[string]int64),
		capacity:           maxEntries,
		evictionPercentage: defaultEvictionPercentage,
	}
}

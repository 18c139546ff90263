package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/localcache/segcache/internal/chunker"
)

// Config configures a CacheCore.
type Config struct {
	// Dir is the local directory segment files are written under.
	Dir string
	// BlockSize is the fixed chunk size segments are aligned to. Must be a
	// power of two.
	BlockSize int
	// BudgetBytes is the total number of bytes CacheCore will admit across all
	// segments before it must evict to make room for new reservations.
	BudgetBytes int64
	// Metrics receives lifecycle observations. Defaults to NopMetrics.
	Metrics Metrics
	// Log is the base logger every segment's own logger is derived from.
	Log zerolog.Logger
}

// CacheCore owns the segment index and the cache-wide space budget. It hands
// out SegmentHolders covering requested byte ranges and is the sole authority
// for admitting, evicting, and locating Segments.
type CacheCore struct {
	dir       string
	blockSize int
	budget    int64
	metrics   Metrics
	log       zerolog.Logger

	mu       sync.Mutex
	segments map[string]*Segment
	index    *ristretto.Cache
}

var _ cacheCoreContract = &CacheCore{}
var _ coreLocker = &CacheCore{}

// NewCacheCore creates a CacheCore per cfg.
func NewCacheCore(cfg Config) (*CacheCore, error) {
	if cfg.BlockSize <= 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, fmt.Errorf("block size must be a power of 2, got %d", cfg.BlockSize)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics
	}

	c := &CacheCore{
		dir:       cfg.Dir,
		blockSize: cfg.BlockSize,
		budget:    cfg.BudgetBytes,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		segments:  make(map[string]*Segment),
	}

	index, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e7,
		MaxCost:     cfg.BudgetBytes,
		BufferItems: 64,
		OnExit: func(val interface{}) {
			seg, ok := val.(*Segment)
			if !ok {
				return
			}
			c.onEvicted(seg)
		},
		Cost: func(val interface{}) int64 {
			seg, ok := val.(*Segment)
			if !ok {
				return 0
			}
			return seg.ReservedSize()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init segment index: %w", err)
	}
	c.index = index

	return c, nil
}

func indexKey(key Key, blockStart int64) string {
	return fmt.Sprintf("%s/%d", key, blockStart)
}

// GetSegments returns a SegmentHolder covering [rng.Left, rng.Right] of the
// file identified by key, whose total size is fileSize. Segments are created
// on first reference; existing ones are returned as-is, already reflecting
// whatever progress a prior or concurrent downloader has made.
func (c *CacheCore) GetSegments(key Key, rng Range, fileSize int64) (*SegmentHolder, error) {
	plan, err := chunker.NewPlan(int64(rng.Left), c.blockSize, int64(rng.Size()), fileSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	var segs []*Segment
	for chunk := range plan.Chunks() {
		seg := c.getOrCreateSegmentLocked(key, chunk.BlockStart, fileSize)
		seg.addRef()
		segs = append(segs, seg)

		switch seg.State() {
		case StateDownloaded, StatePartiallyDownloaded, StatePartiallyDownloadedNoContinuation:
			seg.incrementHits()
		}
	}
	c.mu.Unlock()

	return newSegmentHolder(segs, c), nil
}

// getOrCreateSegmentLocked must be called with c.mu held.
func (c *CacheCore) getOrCreateSegmentLocked(key Key, blockStart int64, fileSize int64) *Segment {
	idxKey := indexKey(key, blockStart)
	if seg, ok := c.segments[idxKey]; ok {
		return seg
	}

	right := blockStart + chunker.Min64(int64(c.blockSize), fileSize-blockStart) - 1
	rng, _ := NewRange(uint64(blockStart), uint64(right))

	seg := newSegment(key, rng, StateEmpty, c, c.metrics, c.log)
	c.segments[idxKey] = seg
	c.index.Set(idxKey, seg, 0)
	c.metrics.RecordSegmentCreated()
	return seg
}

// pathFor returns the on-disk path a segment's bytes are written to.
func (c *CacheCore) pathFor(key Key, rng Range) string {
	return filepath.Join(c.dir, key.String(), fmt.Sprintf("%d", rng.Left))
}

// PathFor exposes the on-disk path of key's segment covering rng, for callers
// that need to read back bytes a downloader has already written.
func (c *CacheCore) PathFor(key Key, rng Range) string {
	return c.pathFor(key, rng)
}

// tryReserve implements cacheCoreContract. It is called with no lock held by
// the caller and does not take c.mu; the ristretto Set it issues is
// synchronized internally, the same pass/fail admission idiom used elsewhere
// to gate space.
func (c *CacheCore) tryReserve(seg *Segment, newTotalReserved int64) bool {
	idxKey := indexKey(seg.Key(), int64(seg.Range().Left))

	ok := c.index.Set(idxKey, seg, newTotalReserved)
	if ok {
		waitForSet()
	}
	return ok
}

// onSegmentStateChanged implements cacheCoreContract. The caller must already
// hold both the cache lock and the segment's own lock.
func (c *CacheCore) onSegmentStateChanged(seg *Segment, old, new State) {
	idxKey := indexKey(seg.Key(), int64(seg.Range().Left))

	c.log.Debug().Str("key", seg.Key().String()).Str("range", seg.Range().String()).
		Str("old", old.String()).Str("new", new.String()).Msg("segment state changed")

	if new == StateSkipCache {
		delete(c.segments, idxKey)
		c.index.Del(idxKey)
		c.metrics.RecordSegmentDestroyed()
	}
}

// removeFromIndex implements cacheCoreContract. The caller must already hold
// the cache lock.
func (c *CacheCore) removeFromIndex(seg *Segment) {
	idxKey := indexKey(seg.Key(), int64(seg.Range().Left))
	if cur, ok := c.segments[idxKey]; ok && cur == seg {
		delete(c.segments, idxKey)
	}
	c.index.Del(idxKey)
}

// onEvicted is ristretto's notification that a value has left its store,
// either because real eviction freed room or because a newer Set superseded
// it. Only the former should trigger cleanup, so the segment that is still
// the live entry for this key is the one actually evicted.
func (c *CacheCore) onEvicted(seg *Segment) {
	c.mu.Lock()
	idxKey := indexKey(seg.Key(), int64(seg.Range().Left))
	cur, exists := c.segments[idxKey]
	if !exists || cur != seg {
		c.mu.Unlock()
		return
	}
	delete(c.segments, idxKey)
	c.mu.Unlock()

	seg.mu.Lock()
	seg.detach()
	seg.mu.Unlock()

	c.metrics.RecordSegmentDestroyed()
}

// Detach permanently removes key's segment starting at blockStart from the index,
// regardless of its current ref count or state, and deletes any backing file.
func (c *CacheCore) Detach(key Key, blockStart int64) error {
	idxKey := indexKey(key, blockStart)

	c.mu.Lock()
	seg, ok := c.segments[idxKey]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.removeFromIndex(seg)
	c.mu.Unlock()

	seg.mu.Lock()
	seg.detach()
	seg.mu.Unlock()

	c.metrics.RecordSegmentDestroyed()
	return nil
}

// Snapshot returns a point-in-time view of every segment currently indexed.
func (c *CacheCore) Snapshot() []Snapshot {
	c.mu.Lock()
	segs := make([]*Segment, 0, len(c.segments))
	for _, seg := range c.segments {
		segs = append(segs, seg)
	}
	c.mu.Unlock()

	snaps := make([]Snapshot, 0, len(segs))
	for _, seg := range segs {
		snaps = append(snaps, seg.GetSnapshot())
	}
	return snaps
}

func (c *CacheCore) lock()   { c.mu.Lock() }
func (c *CacheCore) unlock() { c.mu.Unlock() }

// waitForSet gives ristretto's buffered admission goroutine a chance to
// process a Set call before the caller observes its effect, the same
// workaround the library's own users reach for in absence of a synchronous
// admission API.
func waitForSet() {
	time.Sleep(10 * time.Millisecond)
}

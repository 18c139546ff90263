package cache

import (
	"strings"
)

// coreLocker is the subset of CacheCore a SegmentHolder needs to sequence its
// release under the cache lock, kept separate from cacheCoreContract so a
// Holder depends on nothing but the cache lock.
type coreLocker interface {
	lock()
	unlock()
}

// SegmentHolder owns an ordered set of Segments covering one requested byte
// range. It is the move-only handle C++ callers would get back from
// getOrSet: Go has no destructors, so callers must call Release, ideally via
// defer, when done with the segments.
type SegmentHolder struct {
	segments []*Segment
	core     coreLocker
	released bool
}

func newSegmentHolder(segments []*Segment, core coreLocker) *SegmentHolder {
	return &SegmentHolder{segments: segments, core: core}
}

// Segments returns the held segments in ascending offset order. The slice
// must not be retained past Release.
func (h *SegmentHolder) Segments() []*Segment {
	return h.segments
}

// Release completes every held segment's implicit lifecycle step and drops
// this holder's reference to each. It is idempotent and safe to call more
// than once; only the first call has any effect. A misbehaving segment must
// never prevent its siblings from being released, so panics from any one
// segment's completion are recovered and logged rather than propagated.
func (h *SegmentHolder) Release() {
	if h.released {
		return
	}
	h.released = true

	h.core.lock()
	defer h.core.unlock()

	for _, seg := range h.segments {
		completeOneSegment(seg)
	}
	h.segments = nil
}

// completeOneSegment isolates a single segment's completion so a panic in one
// segment (e.g. a misbehaving LocalWriter) cannot stop the rest of the holder
// from being released.
func completeOneSegment(seg *Segment) {
	defer func() {
		if r := recover(); r != nil {
			seg.log.Error().Interface("panic", r).Msg("recovered panic completing segment on holder release")
		}
	}()
	seg.completeImplicit()
}

// String renders every held segment's state, semicolon-separated, for logs
// and diagnostics.
func (h *SegmentHolder) String() string {
	var b strings.Builder
	for i, seg := range h.segments {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(seg.String())
	}
	return b.String()
}

package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// cacheCoreContract is the narrow surface of CacheCore a Segment is allowed to
// call into. It exists so Segment never reaches past this boundary into
// CacheCore's index, ristretto handle, or lock internals directly.
//
// Every method's locking precondition is part of its contract, not enforced
// by the type system: tryReserve must be called with no lock held and does not
// take the cache lock (the index it updates synchronizes itself);
// onSegmentStateChanged and removeFromIndex assume
// the caller already holds the cache lock (cache_lock -> segment_lock is the
// only legal acquisition order in this package).
type cacheCoreContract interface {
	// lock and unlock guard the cache-wide index; a Segment method that is not
	// already known to run under a held cache lock (i.e. anything other than
	// completeImplicit, which Holder.Release brackets itself) must acquire
	// this before its own segment lock, never after.
	lock()
	unlock()

	tryReserve(seg *Segment, newTotalReserved int64) bool
	onSegmentStateChanged(seg *Segment, old, new State)
	removeFromIndex(seg *Segment)
	pathFor(key Key, rng Range) string
}

// Segment is one block-aligned, contiguous piece of a cached file. It tracks
// how much of its Range has been durably written locally, which CallerID (if
// any) currently has the exclusive right to write it, and the cache budget
// bytes it has reserved.
//
// A Segment is only ever reached through a SegmentHolder; callers never
// construct one directly.
type Segment struct {
	key Key
	rng Range

	core    cacheCoreContract
	metrics Metrics
	log     zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	state      State
	downloader CallerID

	// downloadMu serializes writes to this segment. Write takes it before
	// checking the caller's identity, and it is never acquired while mu is held.
	downloadMu sync.Mutex

	downloadedSize int64
	reservedSize   int64
	reservedFailed bool

	refCount   uint64
	hitsCount  uint64
	isDetached bool

	// isDownloaded mirrors state == StateDownloaded as a lock-free fast-path
	// read; authoritative decisions always re-check state under mu.
	isDownloaded atomic.Bool

	writer LocalWriter
	remote RemoteReader

	memBuf []byte // pending bytes written via WriteInMemory, not yet flushed
}

func newSegment(key Key, rng Range, state State, core cacheCoreContract, metrics Metrics, log zerolog.Logger) *Segment {
	s := &Segment{
		key:     key,
		rng:     rng,
		state:   state,
		core:    core,
		metrics: metrics,
		log:     log.With().Str("key", key.String()).Str("range", rng.String()).Logger(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Key returns the owning file's Key.
func (s *Segment) Key() Key { return s.key }

// Range returns the segment's byte range.
func (s *Segment) Range() Range { return s.rng }

// State returns the current lifecycle state.
func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDownloaded is a fast, lock-free hint that the segment's full range is
// durable on disk. Use State() when an authoritative answer is required.
func (s *Segment) IsDownloaded() bool {
	return s.isDownloaded.Load()
}

// DownloadedSize returns how many bytes of the range have been durably
// written so far.
func (s *Segment) DownloadedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadedSize
}

// GetDownloadOffset returns the absolute file offset immediately after the
// last byte durably written, i.e. where the next write must begin.
func (s *Segment) GetDownloadOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Left + uint64(s.downloadedSize)
}

// ReservedSize returns how many budget bytes this segment currently holds.
func (s *Segment) ReservedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedSize
}

// HitsCount returns the number of times this segment was found already
// (partially) downloaded by a caller.
func (s *Segment) HitsCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hitsCount
}

func (s *Segment) incrementHits() {
	s.mu.Lock()
	s.hitsCount++
	s.mu.Unlock()
	s.metrics.RecordHit()
}

// GetOrSetDownloader attempts to become this segment's downloader. If nobody
// currently holds the download right and the segment is in a non-terminal
// state, the caller becomes the downloader and the segment transitions to
// DOWNLOADING. If the caller already is the downloader, it succeeds
// idempotently. Otherwise it returns the CallerID of whoever holds the right,
// or NoDownloader if the segment is terminal and nobody holds it, so the
// caller can fall back to waiting or reading from the remote source.
func (s *Segment) GetOrSetDownloader(id CallerID) (CallerID, error) {
	s.core.lock()
	defer s.core.unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDetached {
		return NoDownloader, wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != NoDownloader {
		return s.downloader, nil
	}
	if s.state.terminal() {
		return NoDownloader, nil
	}

	old := s.state
	s.downloader = id
	s.state = StateDownloading
	s.core.onSegmentStateChanged(s, old, s.state)
	return id, nil
}

// GetDownloader returns the current downloader, or NoDownloader if none.
func (s *Segment) GetDownloader() CallerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloader
}

// IsDownloader reports whether id currently holds the download right.
func (s *Segment) IsDownloader(id CallerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != NoDownloader && s.downloader == id
}

// ResetDownloader releases the download right, moving the segment to
// PARTIALLY_DOWNLOADED so another caller may resume it (or leaving a
// terminal state as-is). Only the current downloader may call this.
func (s *Segment) ResetDownloader(id CallerID) error {
	s.core.lock()
	defer s.core.unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDetached {
		return wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != id {
		return wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}

	old := s.state
	s.downloader = NoDownloader
	if !s.state.terminal() {
		s.state = StatePartiallyDownloaded
	}
	s.core.onSegmentStateChanged(s, old, s.state)
	s.cond.Broadcast()
	return nil
}

// Reserve asks CacheCore to grant enough additional budget that at least n
// bytes are available beyond what has already been downloaded. Only the
// downloader may reserve space. A reserve whose room is already covered by
// a prior reservation is a no-op.
func (s *Segment) Reserve(id CallerID, n int64) error {
	s.mu.Lock()
	if s.isDetached {
		s.mu.Unlock()
		return wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != id {
		s.mu.Unlock()
		return wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}
	available := s.reservedSize - s.downloadedSize
	extra := n - available
	if extra < 0 {
		extra = 0
	}
	want := s.reservedSize + extra
	s.mu.Unlock()

	if extra == 0 {
		return nil
	}

	ok := s.core.tryReserve(s, want)
	s.metrics.RecordReservation(ok, extra)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.reservedFailed = true
		return wrapSegmentErr(s.key, s.rng, ErrReservationFailed)
	}
	s.reservedSize = want
	return nil
}

// Write durably appends buf (first n bytes) to local disk at offset, which
// must equal GetDownloadOffset(). Only the downloader may write, and writes
// for one segment are never concurrent with each other; downloadMu enforces
// that even if a misbehaving caller tries.
func (s *Segment) Write(id CallerID, buf []byte, n int, offset uint64) error {
	s.downloadMu.Lock()

	s.mu.Lock()
	if s.isDetached {
		s.mu.Unlock()
		s.downloadMu.Unlock()
		return wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != id {
		s.mu.Unlock()
		s.downloadMu.Unlock()
		return wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}
	expected := s.rng.Left + uint64(s.downloadedSize)
	if offset != expected {
		s.mu.Unlock()
		s.downloadMu.Unlock()
		return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: write at %d, expected %d", ErrIllegalState, offset, expected))
	}
	if int64(n) > s.reservedSize-s.downloadedSize {
		s.mu.Unlock()
		s.downloadMu.Unlock()
		return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: write of %d bytes exceeds reserved space", ErrReservationFailed, n))
	}
	writer := s.writer
	path := s.core.pathFor(s.key, s.rng)
	s.mu.Unlock()

	if writer == nil {
		var err error
		writer, err = newFileWriter(path)
		if err != nil {
			s.downloadMu.Unlock()
			return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: %v", ErrWriteFailed, err))
		}
		s.mu.Lock()
		s.writer = writer
		s.mu.Unlock()
	}

	start := time.Now()
	written, err := writer.Append(buf[:n])
	if err == nil {
		err = writer.Flush()
	}
	s.metrics.RecordDownload(time.Since(start).Seconds(), int64(written))
	if err != nil {
		s.downloadMu.Unlock()
		return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	s.mu.Lock()
	s.downloadedSize += int64(written)
	full := uint64(s.downloadedSize) == s.rng.Size()
	s.cond.Broadcast()
	s.mu.Unlock()

	// Write takes downloadMu first and mu inside it; nothing takes downloadMu
	// while holding mu or the cache lock. downloadMu is released here, before
	// Complete takes the cache lock.
	s.downloadMu.Unlock()

	if full {
		if err := s.Complete(id, StateDownloaded); err != nil {
			return err
		}
	}

	return nil
}

// WriteInMemory buffers n bytes without yet making them durable; FinalizeWrite
// must be called to flush them before the bytes count toward DownloadedSize.
// This lets a downloader batch several small remote reads into one disk
// write.
func (s *Segment) WriteInMemory(id CallerID, buf []byte, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDetached {
		return wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != id {
		return wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}
	if int64(len(s.memBuf)+n) > s.reservedSize-s.downloadedSize {
		return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: in-memory write exceeds reserved space", ErrReservationFailed))
	}
	s.memBuf = append(s.memBuf, buf[:n]...)
	return nil
}

// FinalizeWrite durably flushes everything buffered by WriteInMemory through
// Write; only then do the bytes count toward DownloadedSize. A crash before
// FinalizeWrite loses them.
func (s *Segment) FinalizeWrite(id CallerID) (int64, error) {
	s.mu.Lock()
	if s.isDetached {
		s.mu.Unlock()
		return 0, wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != id {
		s.mu.Unlock()
		return 0, wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}
	if len(s.memBuf) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	buf := s.memBuf
	s.memBuf = nil
	offset := s.rng.Left + uint64(s.downloadedSize)
	s.mu.Unlock()

	if err := s.Write(id, buf, len(buf), offset); err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}

// Wait blocks until either downloadedSize advances or the segment leaves
// DOWNLOADING, or until timeout elapses. It returns the segment's state at
// the time it returns. A zero timeout blocks indefinitely.
func (s *Segment) Wait(timeout time.Duration) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDownloading {
		return s.state
	}
	entry := s.downloadedSize

	pred := func() bool { return s.state == StateDownloading && s.downloadedSize == entry }

	if timeout <= 0 {
		for pred() {
			s.cond.Wait()
		}
		return s.state
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		close(done)
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	for pred() {
		select {
		case <-done:
			s.metrics.RecordWaitTimeout()
			return s.state
		default:
		}
		s.cond.Wait()
	}
	return s.state
}

// Complete transitions the segment to an explicit terminal or resumable
// state. Only the current downloader may call it, except for StateSkipCache,
// which any caller observing a segment with no downloader may apply.
func (s *Segment) Complete(id CallerID, newState State) error {
	s.core.lock()
	defer s.core.unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDetached {
		return wrapSegmentErr(s.key, s.rng, ErrDetachedSegment)
	}
	if s.downloader != NoDownloader && s.downloader != id {
		return wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}
	if s.state.terminal() {
		return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: %s is terminal", ErrIllegalState, s.state))
	}
	if s.downloader == NoDownloader && newState != StateSkipCache {
		return wrapSegmentErr(s.key, s.rng, ErrNotDownloader)
	}
	switch newState {
	case StateDownloading:
		return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: cannot complete to DOWNLOADING", ErrIllegalState))
	case StateDownloaded:
		if uint64(s.downloadedSize) != s.rng.Size() {
			return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: cannot complete DOWNLOADED with %d of %d bytes downloaded", ErrIllegalState, s.downloadedSize, s.rng.Size()))
		}
	case StatePartiallyDownloadedNoContinuation:
		if !s.reservedFailed {
			return wrapSegmentErr(s.key, s.rng, fmt.Errorf("%w: cannot complete PARTIALLY_DOWNLOADED_NO_CONTINUATION without a reservation failure", ErrIllegalState))
		}
	}

	old := s.state
	s.state = newState
	s.downloader = NoDownloader
	s.isDownloaded.Store(newState == StateDownloaded)
	s.core.onSegmentStateChanged(s, old, newState)
	s.cond.Broadcast()
	return nil
}

// completeImplicit is invoked by a SegmentHolder as it releases its last
// reference to the segment. If that was the last reference and the segment is
// still DOWNLOADING (its downloader never explicitly completed), the segment is
// resolved into a resumable or terminal state and its downloader is cleared,
// mirroring what a destructor would do in a language with deterministic
// scope-exit.
//
// The caller must already hold the cache lock.
func (s *Segment) completeImplicit() {
	s.mu.Lock()

	s.refCount--
	if s.refCount > 0 {
		s.mu.Unlock()
		return
	}

	if s.isDetached {
		s.mu.Unlock()
		return
	}

	if s.state == StateDownloading {
		old := s.state
		switch {
		case s.downloadedSize == 0 && s.reservedFailed:
			s.state = StateSkipCache
		case s.downloadedSize == 0:
			s.state = StateEmpty
		case s.reservedFailed:
			s.state = StatePartiallyDownloadedNoContinuation
		default:
			s.state = StatePartiallyDownloaded
		}
		s.downloader = NoDownloader
		s.core.onSegmentStateChanged(s, old, s.state)
	}

	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Segment) addRef() {
	s.mu.Lock()
	s.refCount++
	s.mu.Unlock()
}

// detach marks the segment as permanently removed from the index. Callers
// must already hold this segment's lock; the cache lock must have been held
// at some point before this call to actually remove the segment from the
// index (onEvicted and Detach both do so, then release it before calling
// detach, since by this point the segment is unreachable through the index
// and no other goroutine can be racing to reinsert it under the same key).
func (s *Segment) detach() {
	s.isDetached = true
	if s.state != StateDownloaded {
		s.state = StatePartiallyDownloadedNoContinuation
	}
	if s.writer != nil {
		s.writer.Drop(s.log)
		s.writer = nil
	}
	s.cond.Broadcast()
}

// Snapshot is an immutable, point-in-time view of a Segment's fields, safe to
// read without holding any of the segment's locks.
type Snapshot struct {
	Key            Key
	Range          Range
	State          State
	Downloader     CallerID
	DownloadedSize int64
	ReservedSize   int64
	RefCount       uint64
	HitsCount      uint64
	Detached       bool
}

// GetSnapshot copies the segment's current fields under lock.
func (s *Segment) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:            s.key,
		Range:          s.rng,
		State:          s.state,
		Downloader:     s.downloader,
		DownloadedSize: s.downloadedSize,
		ReservedSize:   s.reservedSize,
		RefCount:       s.refCount,
		HitsCount:      s.hitsCount,
		Detached:       s.isDetached,
	}
}

// CheckInvariants verifies the segment's fields are mutually consistent. It
// is intended for tests and diagnostics, not the hot path.
func (s *Segment) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.downloadedSize < 0 || uint64(s.downloadedSize) > s.rng.Size() {
		return fmt.Errorf("downloaded size %d out of range for %s", s.downloadedSize, s.rng)
	}
	if s.reservedSize < s.downloadedSize {
		return fmt.Errorf("reserved size %d is less than downloaded size %d", s.reservedSize, s.downloadedSize)
	}
	if s.state == StateDownloaded && uint64(s.downloadedSize) != s.rng.Size() {
		return fmt.Errorf("segment marked DOWNLOADED with only %d of %d bytes", s.downloadedSize, s.rng.Size())
	}
	if s.state != StateDownloading && s.downloader != NoDownloader {
		return fmt.Errorf("segment in state %s has a downloader", s.state)
	}
	if s.state == StateDownloading && s.downloader == NoDownloader {
		return fmt.Errorf("segment in state DOWNLOADING has no downloader")
	}
	return nil
}

// SetRemoteReader caches r for reuse across this segment's chunk reads.
func (s *Segment) SetRemoteReader(r RemoteReader) {
	s.mu.Lock()
	s.remote = r
	s.mu.Unlock()
}

// RemoteReader returns the cached remote reader, if one was set.
func (s *Segment) RemoteReader() (RemoteReader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.remote != nil
}

// ResetRemoteReader clears the cached remote reader.
func (s *Segment) ResetRemoteReader() {
	s.mu.Lock()
	s.remote = nil
	s.mu.Unlock()
}

// ReadLocal reads back bytes already durable on disk for this segment,
// starting at offset bytes into the segment's own range (not an absolute
// file offset). It is how a caller serves a cache hit without going back to
// the remote source.
func (s *Segment) ReadLocal(buf []byte, offset int64) (int, error) {
	path := s.core.pathFor(s.key, s.rng)
	return newLocalReader(path).ReadAt(buf, offset)
}

func (s *Segment) String() string {
	snap := s.GetSnapshot()
	return fmt.Sprintf("key=%s, range=[%d,%d], state=%s, downloader=%s, downloaded=%d/%d",
		snap.Key, snap.Range.Left, snap.Range.Right, snap.State, snap.Downloader, snap.DownloadedSize, snap.Range.Size())
}

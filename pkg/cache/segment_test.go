package cache

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeCore is a minimal cacheCoreContract for exercising Segment in
// isolation, without a real ristretto-backed CacheCore.
type fakeCore struct {
	mu sync.Mutex

	dir          string
	denyReserve  bool
	stateChanges []string
	removed      []string
}

func newFakeCore(t *testing.T) *fakeCore {
	return &fakeCore{dir: t.TempDir()}
}

func (f *fakeCore) lock()   { f.mu.Lock() }
func (f *fakeCore) unlock() { f.mu.Unlock() }

func (f *fakeCore) tryReserve(seg *Segment, newTotalReserved int64) bool {
	return !f.denyReserve
}

func (f *fakeCore) onSegmentStateChanged(seg *Segment, old, new State) {
	f.stateChanges = append(f.stateChanges, old.String()+"->"+new.String())
}

func (f *fakeCore) removeFromIndex(seg *Segment) {
	f.removed = append(f.removed, seg.Key().String())
}

func (f *fakeCore) pathFor(key Key, rng Range) string {
	return filepath.Join(f.dir, key.String(), rng.String())
}

func newTestSegment(t *testing.T) (*Segment, *fakeCore) {
	core := newFakeCore(t)
	rng, err := NewRange(0, 99)
	if err != nil {
		t.Fatal(err)
	}
	seg := newSegment(NewKey("test"), rng, StateEmpty, core, NopMetrics, zerolog.Nop())
	return seg, core
}

func TestGetOrSetDownloaderFirstCallerWins(t *testing.T) {
	seg, _ := newTestSegment(t)

	id1 := NewCallerID()
	id2 := NewCallerID()

	got, err := seg.GetOrSetDownloader(id1)
	if err != nil {
		t.Fatal(err)
	}
	if got != id1 {
		t.Fatalf("got %s, want %s", got, id1)
	}
	if seg.State() != StateDownloading {
		t.Fatalf("state = %s, want DOWNLOADING", seg.State())
	}

	got, err = seg.GetOrSetDownloader(id2)
	if err != nil {
		t.Fatal(err)
	}
	if got != id1 {
		t.Fatalf("second caller got %s, want existing downloader %s", got, id1)
	}
}

func TestGetOrSetDownloaderIdempotentForSameCaller(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	got, err := seg.GetOrSetDownloader(id)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("got %s, want %s", got, id)
	}
}

func TestReserveRequiresDownloader(t *testing.T) {
	seg, _ := newTestSegment(t)
	if err := seg.Reserve(NewCallerID(), 10); !errors.Is(err, ErrNotDownloader) {
		t.Fatalf("got %v, want ErrNotDownloader", err)
	}
}

func TestReserveDeniedPropagatesError(t *testing.T) {
	seg, core := newTestSegment(t)
	core.denyReserve = true
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 10); !errors.Is(err, ErrReservationFailed) {
		t.Fatalf("got %v, want ErrReservationFailed", err)
	}
}

func TestWriteThenComplete(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	if err := seg.Reserve(id, 100); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(id, data, len(data), seg.GetDownloadOffset()); err != nil {
		t.Fatal(err)
	}

	if got := seg.State(); got != StateDownloaded {
		t.Fatalf("state = %s, want DOWNLOADED", got)
	}
	if !seg.IsDownloaded() {
		t.Fatal("expected IsDownloaded to be true")
	}
	if seg.DownloadedSize() != 100 {
		t.Fatalf("downloaded size = %d, want 100", seg.DownloadedSize())
	}

	readBack := make([]byte, 100)
	if _, err := seg.ReadLocal(readBack, 0); err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if readBack[i] != data[i] {
			t.Fatalf("byte %d: got %d, want %d", i, readBack[i], data[i])
		}
	}
}

func TestWriteRejectsWrongOffset(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 10); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(id, []byte("x"), 1, 5); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("got %v, want ErrIllegalState", err)
	}
}

func TestWriteRejectsNonDownloader(t *testing.T) {
	seg, _ := newTestSegment(t)
	if _, err := seg.GetOrSetDownloader(NewCallerID()); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(NewCallerID(), []byte("x"), 1, 0); !errors.Is(err, ErrNotDownloader) {
		t.Fatalf("got %v, want ErrNotDownloader", err)
	}
}

func TestWriteInMemoryThenFinalize(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 10); err != nil {
		t.Fatal(err)
	}
	if err := seg.WriteInMemory(id, []byte("hello"), 5); err != nil {
		t.Fatal(err)
	}
	if seg.DownloadedSize() != 0 {
		t.Fatalf("expected buffered bytes not yet counted, got %d", seg.DownloadedSize())
	}

	n, err := seg.FinalizeWrite(id)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("flushed %d bytes, want 5", n)
	}
	if seg.DownloadedSize() != 5 {
		t.Fatalf("downloaded size = %d, want 5", seg.DownloadedSize())
	}
}

func TestWaitReturnsImmediatelyWhenNotDownloading(t *testing.T) {
	seg, _ := newTestSegment(t)
	if got := seg.Wait(time.Second); got != StateEmpty {
		t.Fatalf("got %s, want EMPTY", got)
	}
}

func TestWaitUnblocksOnCompletion(t *testing.T) {
	seg, core := newTestSegment(t)
	id := NewCallerID()
	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	core.denyReserve = true
	if err := seg.Reserve(id, 10); err == nil {
		t.Fatal("expected reservation to fail")
	}

	done := make(chan State, 1)
	go func() {
		done <- seg.Wait(0)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := seg.Complete(id, StatePartiallyDownloadedNoContinuation); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-done:
		if got != StatePartiallyDownloadedNoContinuation {
			t.Fatalf("got %s, want PARTIALLY_DOWNLOADED_NO_CONTINUATION", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Complete")
	}
}

func TestWaitTimesOut(t *testing.T) {
	seg, _ := newTestSegment(t)
	if _, err := seg.GetOrSetDownloader(NewCallerID()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	got := seg.Wait(20 * time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatal("Wait took far longer than its timeout")
	}
	if got != StateDownloading {
		t.Fatalf("got %s, want DOWNLOADING still in progress", got)
	}
}

func TestCompleteRejectsNonDownloader(t *testing.T) {
	seg, _ := newTestSegment(t)
	if _, err := seg.GetOrSetDownloader(NewCallerID()); err != nil {
		t.Fatal(err)
	}
	if err := seg.Complete(NewCallerID(), StateDownloaded); !errors.Is(err, ErrNotDownloader) {
		t.Fatalf("got %v, want ErrNotDownloader", err)
	}
}

func TestCompleteRejectsTerminalState(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()
	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Complete(id, StateSkipCache); err != nil {
		t.Fatal(err)
	}
	if err := seg.Complete(id, StateDownloaded); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("got %v, want ErrIllegalState", err)
	}
}

func TestCompleteImplicitOnAbandonedDownload(t *testing.T) {
	seg, core := newTestSegment(t)
	id := NewCallerID()

	seg.addRef()
	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 50); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(id, make([]byte, 50), 50, 0); err != nil {
		t.Fatal(err)
	}

	core.lock()
	seg.completeImplicit()
	core.unlock()

	if got := seg.State(); got != StatePartiallyDownloaded {
		t.Fatalf("state = %s, want PARTIALLY_DOWNLOADED", got)
	}
	if seg.GetDownloader() != NoDownloader {
		t.Fatal("expected downloader to be cleared")
	}
}

func TestCompleteImplicitOnAbandonedDownloadAfterReservationFailure(t *testing.T) {
	seg, core := newTestSegment(t)
	id := NewCallerID()

	seg.addRef()
	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 60); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(id, make([]byte, 60), 60, 0); err != nil {
		t.Fatal(err)
	}
	core.denyReserve = true
	if err := seg.Reserve(id, 100); err == nil {
		t.Fatal("expected reservation to fail")
	}

	core.lock()
	seg.completeImplicit()
	core.unlock()

	if got := seg.State(); got != StatePartiallyDownloadedNoContinuation {
		t.Fatalf("state = %s, want PARTIALLY_DOWNLOADED_NO_CONTINUATION", got)
	}
	if seg.GetDownloader() != NoDownloader {
		t.Fatal("expected downloader to be cleared")
	}
}

func TestCompleteImplicitSkipsCacheWhenNothingWritten(t *testing.T) {
	seg, core := newTestSegment(t)
	id := NewCallerID()

	seg.addRef()
	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	core.denyReserve = true
	if err := seg.Reserve(id, 10); err == nil {
		t.Fatal("expected reservation to fail")
	}

	core.lock()
	seg.completeImplicit()
	core.unlock()

	if got := seg.State(); got != StateSkipCache {
		t.Fatalf("state = %s, want SKIP_CACHE", got)
	}
}

func TestMutatingOpsRejectDetachedSegment(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 40); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(id, make([]byte, 40), 40, seg.GetDownloadOffset()); err != nil {
		t.Fatal(err)
	}

	seg.mu.Lock()
	seg.detach()
	seg.mu.Unlock()

	if err := seg.Reserve(id, 10); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("Reserve: got %v, want ErrDetachedSegment", err)
	}
	if err := seg.Write(id, make([]byte, 1), 1, seg.GetDownloadOffset()); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("Write: got %v, want ErrDetachedSegment", err)
	}
	if err := seg.WriteInMemory(id, make([]byte, 1), 1); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("WriteInMemory: got %v, want ErrDetachedSegment", err)
	}
	if _, err := seg.FinalizeWrite(id); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("FinalizeWrite: got %v, want ErrDetachedSegment", err)
	}
	if err := seg.Complete(id, StateDownloaded); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("Complete: got %v, want ErrDetachedSegment", err)
	}
	if err := seg.ResetDownloader(id); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("ResetDownloader: got %v, want ErrDetachedSegment", err)
	}
	if _, err := seg.GetOrSetDownloader(id); !errors.Is(err, ErrDetachedSegment) {
		t.Fatalf("GetOrSetDownloader: got %v, want ErrDetachedSegment", err)
	}
}

func TestResetDownloaderTransitionsToPartiallyDownloaded(t *testing.T) {
	seg, _ := newTestSegment(t)
	id := NewCallerID()

	if _, err := seg.GetOrSetDownloader(id); err != nil {
		t.Fatal(err)
	}
	if err := seg.Reserve(id, 10); err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(id, make([]byte, 10), 10, seg.GetDownloadOffset()); err != nil {
		t.Fatal(err)
	}

	if err := seg.ResetDownloader(id); err != nil {
		t.Fatal(err)
	}

	if got := seg.State(); got != StatePartiallyDownloaded {
		t.Fatalf("state = %s, want PARTIALLY_DOWNLOADED", got)
	}
	if seg.GetDownloader() != NoDownloader {
		t.Fatal("expected downloader to be cleared")
	}
	if err := seg.CheckInvariants(); err != nil {
		t.Fatalf("unexpected invariant violation: %v", err)
	}
}

func TestCheckInvariantsCatchesOversizedDownload(t *testing.T) {
	seg, _ := newTestSegment(t)
	seg.downloadedSize = 1000 // exceeds the 100-byte range
	if err := seg.CheckInvariants(); err == nil {
		t.Fatal("expected an invariant violation")
	}
}

func TestCheckInvariantsPassesForFreshSegment(t *testing.T) {
	seg, _ := newTestSegment(t)
	if err := seg.CheckInvariants(); err != nil {
		t.Fatalf("unexpected invariant violation: %v", err)
	}
}

func TestRemoteReaderRoundTrip(t *testing.T) {
	seg, _ := newTestSegment(t)
	if _, ok := seg.RemoteReader(); ok {
		t.Fatal("expected no remote reader initially")
	}

	r := &stubRemoteReader{}
	seg.SetRemoteReader(r)
	got, ok := seg.RemoteReader()
	if !ok || got != r {
		t.Fatal("expected to get back the reader that was set")
	}

	seg.ResetRemoteReader()
	if _, ok := seg.RemoteReader(); ok {
		t.Fatal("expected remote reader to be cleared")
	}
}

type stubRemoteReader struct{}

func (stubRemoteReader) ReadAt(buf []byte, offset int64) (int, error) { return 0, nil }
func (stubRemoteReader) Size() (int64, error)                         { return 0, nil }

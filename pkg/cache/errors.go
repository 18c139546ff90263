package cache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Segment and CacheCore operations. Callers should
// compare against these with errors.Is, since the errors returned by this
// package are always wrapped with segment-identifying context.
var (
	// ErrDetachedSegment is returned when an operation is attempted against a
	// segment that has left the cache index and is no longer addressable.
	ErrDetachedSegment = errors.New("segment is detached")

	// ErrNotDownloader is returned when a caller attempts a downloader-only
	// operation (write, complete) without holding the download right.
	ErrNotDownloader = errors.New("caller is not the downloader of this segment")

	// ErrIllegalState is returned when a requested transition is not valid from
	// the segment's current state.
	ErrIllegalState = errors.New("illegal state transition")

	// ErrReservationFailed is returned when CacheCore declines to grant the
	// requested number of additional budget bytes, or when a write would
	// exceed the bytes already reserved.
	ErrReservationFailed = errors.New("cache space reservation failed")

	// ErrWriteFailed is returned when a local write could not be durably
	// completed.
	ErrWriteFailed = errors.New("local write failed")
)

// segmentError wraps one of the sentinels above with the identity of the
// segment the error occurred on, preserving errors.Is/As compatibility.
type segmentError struct {
	key   Key
	rng   Range
	cause error
}

func (e *segmentError) Error() string {
	return fmt.Sprintf("segment %s%s: %v", e.key, e.rng, e.cause)
}

func (e *segmentError) Unwrap() error {
	return e.cause
}

func wrapSegmentErr(key Key, rng Range, cause error) error {
	return &segmentError{key: key, rng: rng, cause: cause}
}

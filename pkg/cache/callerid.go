package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// CallerID identifies, across goroutines and processes, whoever currently
// claims to be a segment's downloader. Go has no stable, addressable thread
// identity to borrow (unlike a native thread ID), so CallerID is instead a
// session UUID paired with a per-session monotonic sequence number.
type CallerID string

// NoDownloader is the CallerID value meaning "nobody is currently downloading".
const NoDownloader CallerID = ""

// Session mints CallerIDs that are unique within one process lifetime and
// stable enough to compare for equality across the lifetime of a download
// attempt. A goroutine pool, worker, or long-lived connection should keep one
// Session and reuse it for every segment it downloads.
type Session struct {
	id  string
	seq uint64
}

// NewSession creates a Session with a fresh UUID.
func NewSession() *Session {
	return &Session{id: uuid.New().String()}
}

// NewCallerID mints the next CallerID for this session.
func (s *Session) NewCallerID() CallerID {
	n := atomic.AddUint64(&s.seq, 1)
	return CallerID(fmt.Sprintf("%s:%d", s.id, n))
}

// NewCallerID mints a standalone CallerID backed by its own one-shot session.
// Prefer a shared Session when a caller will download more than one segment,
// since each standalone CallerID costs a fresh UUID.
func NewCallerID() CallerID {
	return NewSession().NewCallerID()
}

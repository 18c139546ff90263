// Package cache implements a file-segment lifecycle engine for a local disk
// cache that fronts a remote object store.
//
// A logical file is split into fixed-size, block-aligned Segments. Each
// Segment is a small state machine that tracks how much of its byte range has
// been durably written to local disk, which caller (if any) currently holds
// the exclusive right to download it, and how many cache budget bytes it has
// reserved. Concurrent callers race to become a Segment's downloader; the
// losers either wait for the winner's progress or fall back to reading the
// remaining bytes directly from the remote source.
//
// CacheCore owns the segment index and the cache-wide space budget; Segment
// never reaches into CacheCore's internals directly, only through the
// cacheCoreContract it is handed at construction.
package cache

package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// LocalWriter durably persists a segment's downloaded bytes to local disk. A
// Segment creates one lazily, on its first Write call, and never shares
// it across segments.
type LocalWriter interface {
	// Append writes buf at the current end of the file and returns the number
	// of bytes written.
	Append(buf []byte) (int, error)
	// Flush ensures every byte Append has accepted is durable on disk.
	Flush() error
	// Size returns the number of bytes written so far.
	Size() int64
	// Close releases the underlying file handle without deleting it.
	Close() error
	// Drop closes and deletes the underlying file.
	Drop(log zerolog.Logger)
}

// fileWriter is the default LocalWriter, one file per segment.
type fileWriter struct {
	path string
	file *os.File
	size int64
}

var _ LocalWriter = &fileWriter{}

// newFileWriter creates (or truncates) the file backing one segment.
func newFileWriter(path string) (*fileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}

	return &fileWriter{path: path, file: f}, nil
}

func (w *fileWriter) Append(buf []byte) (int, error) {
	n, err := w.file.Write(buf)
	w.size += int64(n)
	return n, err
}

func (w *fileWriter) Flush() error {
	return w.file.Sync()
}

func (w *fileWriter) Size() int64 {
	return w.size
}

func (w *fileWriter) Close() error {
	return w.file.Close()
}

// Drop closes the file and removes it from disk, logging (but not failing on)
// any error encountered along the way; a cache eviction must never panic the
// caller that triggered it.
func (w *fileWriter) Drop(log zerolog.Logger) {
	if err := w.file.Close(); err != nil {
		log.Debug().Err(err).Str("path", w.path).Msg("close segment file on drop")
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", w.path).Msg("remove segment file on drop")
	}
}

// localReader reads back bytes this process (or a prior one) has already
// written for a segment, used to serve cache hits without touching the
// remote reader.
type localReader struct {
	path string
}

func newLocalReader(path string) *localReader {
	return &localReader{path: path}
}

// ReadAt reads len(buf) bytes starting at offset from the on-disk segment file.
func (r *localReader) ReadAt(buf []byte, offset int64) (int, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(buf, offset)
}

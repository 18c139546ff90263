package cache

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RemoteReader is the read-only remote source a downloader pulls bytes from
// when filling a segment. Implementations are cached per-segment by the
// caller so that repeated chunk reads for the same segment do not each pay
// connection setup cost.
type RemoteReader interface {
	// ReadAt reads len(buf) bytes starting at offset from the remote object.
	ReadAt(buf []byte, offset int64) (int, error)
	// Size returns the remote object's total size in bytes.
	Size() (int64, error)
}

// httpRangeReader is a RemoteReader that issues byte-range HTTP requests
// against a single origin URL.
type httpRangeReader struct {
	url    string
	client *http.Client
	log    zerolog.Logger
	sizes  sizeCache
}

var _ RemoteReader = &httpRangeReader{}

// sizeCache is the minimal interface reader.go needs from internal/sizecache,
// kept narrow here so this package does not import an internal package from
// its own public surface.
type sizeCache interface {
	Get(key string) (int64, bool)
	Set(key string, size int64)
}

// NewHTTPRangeReader creates a RemoteReader that fetches ranges of url over
// HTTP. sizes, if non-nil, is consulted and populated to avoid a HEAD
// request on every call to Size.
func NewHTTPRangeReader(url string, client *http.Client, log zerolog.Logger, sizes sizeCache) RemoteReader {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRangeReader{url: url, client: client, log: log, sizes: sizes}
}

// ReadAt issues a single ranged GET for [offset, offset+len(buf)-1].
func (r *httpRangeReader) ReadAt(buf []byte, offset int64) (int, error) {
	start := offset
	end := offset + int64(len(buf)) - 1

	log := r.log.With().Str("url", r.url).Int64("start", start).Int64("end", end).Logger()
	log.Debug().Msg("remote read start")

	req, err := http.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	s := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("remote read error")
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("unexpected response status for ranged read: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, buf)
	log.Debug().Dur("duration", time.Since(s)).Int("n", n).Msg("remote read stop")
	return n, err
}

// Size stats the remote object, preferring a cached value if one was
// populated by an earlier call for the same URL.
func (r *httpRangeReader) Size() (int64, error) {
	if r.sizes != nil {
		if size, ok := r.sizes.Get(r.url); ok {
			return size, nil
		}
	}

	req, err := http.NewRequest(http.MethodHead, r.url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected response status for size stat: %s", resp.Status)
	}

	size := resp.ContentLength
	if size < 0 {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if pos := strings.LastIndexByte(cr, '/'); pos >= 0 {
				size, _ = strconv.ParseInt(cr[pos+1:], 10, 64)
			}
		}
	}

	if r.sizes != nil {
		r.sizes.Set(r.url, size)
	}

	return size, nil
}

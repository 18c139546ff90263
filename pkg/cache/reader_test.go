package cache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHTTPRangeReaderReadAt(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	defer srv.Close()

	r := NewHTTPRangeReader(srv.URL, srv.Client(), zerolog.Nop(), nil)
	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || string(buf) != "quick" {
		t.Fatalf("got %q (%d), want %q", buf, n, "quick")
	}
}

func TestHTTPRangeReaderSize(t *testing.T) {
	content := []byte("0123456789")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sizes := newFakeSizeCache()
	r := NewHTTPRangeReader(srv.URL, srv.Client(), zerolog.Nop(), sizes)

	size, err := r.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(content)) {
		t.Fatalf("got %d, want %d", size, len(content))
	}

	if cached, ok := sizes.Get(srv.URL); !ok || cached != size {
		t.Fatalf("expected size to be cached, got %d, %v", cached, ok)
	}
}

type fakeSizeCache struct {
	m map[string]int64
}

func newFakeSizeCache() *fakeSizeCache {
	return &fakeSizeCache{m: make(map[string]int64)}
}

func (f *fakeSizeCache) Get(key string) (int64, bool) {
	v, ok := f.m[key]
	return v, ok
}

func (f *fakeSizeCache) Set(key string, size int64) {
	f.m[key] = size
}

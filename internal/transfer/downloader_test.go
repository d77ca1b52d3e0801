package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

func serveBytes(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "object.bin", time.Time{}, bytes.NewReader(data))
	}
}

func newTestDownloader(srv *httptest.Server) *Downloader {
	opts := DefaultDownloadOptions()
	opts.RetryDelay = 0
	opts.RequestTimeout = 10 * time.Second
	return NewDownloader(NewHTTPSource(srv.Client(), nil), opts, zerolog.Nop())
}

func TestDownloadWorkerCountDoesNotChangeContent(t *testing.T) {
	data := randomPayload(t, 10*1024*1024)
	srv := httptest.NewServer(serveBytes(data))
	defer srv.Close()

	d := newTestDownloader(srv)
	dir := t.TempDir()
	single := filepath.Join(dir, "single.bin")
	parallel := filepath.Join(dir, "parallel.bin")

	require.NoError(t, d.Download(context.Background(), srv.URL, single, 1))
	require.NoError(t, d.Download(context.Background(), srv.URL, parallel, 4))

	a, err := os.ReadFile(single)
	require.NoError(t, err)
	b, err := os.ReadFile(parallel)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b), "4-worker download differs from 1-worker download")
	assert.True(t, bytes.Equal(data, b), "download differs from source")
}

func TestDownloadSendsAuthHeader(t *testing.T) {
	data := randomPayload(t, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "session=abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		serveBytes(data)(w, r)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", "session=abc")
	d := NewDownloader(NewHTTPSource(srv.Client(), header), DownloadOptions{RetryDelay: 0}, zerolog.Nop())

	dst := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, d.Download(context.Background(), srv.URL, dst, 3))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadRetriesTransientChunkFailures(t *testing.T) {
	data := randomPayload(t, 256*1024)
	var failures atomic.Int32
	failures.Store(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveBytes(data)(w, r)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, newTestDownloader(srv).Download(context.Background(), srv.URL, dst, 2))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadFailsWhenRangeNotHonoured(t *testing.T) {
	data := randomPayload(t, 64*1024)
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Header().Set("Content-Length", "65536")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "out.bin")
	err := newTestDownloader(srv).Download(context.Background(), srv.URL, dst, 2)
	require.Error(t, err)

	var chunkErr *ChunkTransferError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, int64(0), chunkErr.Offset)
	assert.Equal(t, 3, chunkErr.Attempts)
	assert.ErrorIs(t, err, ErrNotPartialContent)
	assert.Equal(t, int32(6), gets.Load(), "both chunks should use all attempts")
}

func TestDownloadSizeUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestDownloader(srv).Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), 2)
	var sizeErr *SizeUnknownError
	assert.True(t, errors.As(err, &sizeErr))
}

func TestDownloadRejectsImplausiblySmallObject(t *testing.T) {
	srv := httptest.NewServer(serveBytes([]byte("tiny")))
	defer srv.Close()

	err := newTestDownloader(srv).Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), 2)
	var sizeErr *SizeUnknownError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, int64(4), sizeErr.Size)
}

func TestDownloadRerunOverwritesStaleBytes(t *testing.T) {
	data := randomPayload(t, 512*1024)
	dst := filepath.Join(t.TempDir(), "out.bin")

	// First attempt: the second half never arrives.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "bytes=0-262143" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		serveBytes(data)(w, r)
	}))
	defer broken.Close()
	require.Error(t, newTestDownloader(broken).Download(context.Background(), broken.URL, dst, 2))

	// Leave garbage larger than the object behind.
	require.NoError(t, os.WriteFile(dst, bytes.Repeat([]byte{0xFF}, 2*len(data)), 0o644))

	good := httptest.NewServer(serveBytes(data))
	defer good.Close()
	require.NoError(t, newTestDownloader(good).Download(context.Background(), good.URL, dst, 4))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestParseContentRangeTotal(t *testing.T) {
	n, err := parseContentRangeTotal("bytes 0-0/12345")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), n)

	_, err = parseContentRangeTotal("bytes 0-0/*")
	assert.Error(t, err)
	_, err = parseContentRangeTotal("garbage")
	assert.Error(t, err)
}

type sliceWriter struct {
	buf []byte
}

func (w *sliceWriter) WriteAt(p []byte, off int64) (int, error) {
	return copy(w.buf[off:], p), nil
}

func TestSectionWriterRejectsOverflow(t *testing.T) {
	dst := &sliceWriter{buf: make([]byte, 8)}
	sw := &sectionWriter{dst: dst, off: 4, limit: 6, progress: nopProgress{}}

	n, err := sw.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = sw.Write([]byte("c"))
	assert.Error(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 'a', 'b', 0, 0}, dst.buf)
}

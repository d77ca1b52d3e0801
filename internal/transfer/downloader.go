package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chmdznr/minutes-mirror/internal/chunk"
)

const copyBufferSize = 256 << 10

// DownloadOptions tunes the parallel range downloader.
type DownloadOptions struct {
	MaxAttempts    int
	MinSize        int64
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	Progress       ProgressFactory
}

// DefaultDownloadOptions returns the downloader defaults.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		MaxAttempts:    3,
		MinSize:        1024,
		RequestTimeout: 10 * time.Minute,
		RetryDelay:     time.Second,
	}
}

// Downloader fetches one remote object into one local file using concurrent
// ranged reads.
type Downloader struct {
	source RangeSource
	opts   DownloadOptions
	log    zerolog.Logger
}

// NewDownloader creates a downloader reading from source.
func NewDownloader(source RangeSource, opts DownloadOptions, log zerolog.Logger) *Downloader {
	defaults := DefaultDownloadOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.MinSize < 0 {
		opts.MinSize = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Downloader{source: source, opts: opts, log: log}
}

// Download writes src into dst using workers concurrent range requests. The
// destination is truncated first; on failure it is left invalid and the
// caller is expected to discard it.
func (d *Downloader) Download(ctx context.Context, src, dst string, workers int) error {
	size, err := d.probe(ctx, src)
	if err != nil {
		return err
	}

	chunks, err := chunk.Split(size, workers)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open destination %s: %w", dst, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to allocate %s: %w", dst, err)
	}

	d.log.Debug().
		Str("dest", dst).
		Int64("bytes", size).
		Int("chunks", len(chunks)).
		Msg("download started")

	progress := newProgress(d.opts.Progress, filepath.Base(dst), size)
	defer progress.Finish()

	w := newLockedFile(f)
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c chunk.Chunk) {
			defer wg.Done()
			errs[i] = d.fetchChunk(ctx, src, w, c, progress)
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return nil
}

func (d *Downloader) probe(ctx context.Context, src string) (int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	size, err := d.source.Probe(probeCtx, src)
	if err != nil {
		return 0, &SizeUnknownError{Source: src, Err: err}
	}
	if size <= 0 || size < d.opts.MinSize {
		return 0, &SizeUnknownError{Source: src, Size: size}
	}
	return size, nil
}

// fetchChunk retries a chunk from its start offset until it succeeds or the
// attempt budget runs out.
func (d *Downloader) fetchChunk(ctx context.Context, src string, w RangeWriter, c chunk.Chunk, progress Progress) error {
	var lastErr error
	for c.Attempt = 1; c.Attempt <= d.opts.MaxAttempts; c.Attempt++ {
		written, err := d.fetchOnce(ctx, src, w, c, progress)
		if err == nil {
			return nil
		}
		progress.Add64(-written)
		lastErr = err

		d.log.Warn().
			Err(err).
			Int64("offset", c.Start).
			Int("attempt", c.Attempt).
			Msg("chunk transfer failed")

		if ctx.Err() != nil || c.Attempt == d.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.opts.RetryDelay):
		}
	}
	attempts := c.Attempt
	if attempts > d.opts.MaxAttempts {
		attempts = d.opts.MaxAttempts
	}
	return &ChunkTransferError{Offset: c.Start, Attempts: attempts, Err: lastErr}
}

func (d *Downloader) fetchOnce(ctx context.Context, src string, w RangeWriter, c chunk.Chunk, progress Progress) (int64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	body, err := d.source.OpenRange(reqCtx, src, c.Start, c.End)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	sw := &sectionWriter{dst: w, off: c.Start, limit: c.End + 1, progress: progress}
	n, err := io.CopyBuffer(sw, body, make([]byte, copyBufferSize))
	if err != nil {
		return n, err
	}
	if n != c.Len() {
		return n, fmt.Errorf("short range read: got %d of %d bytes: %w", n, c.Len(), io.ErrUnexpectedEOF)
	}
	return n, nil
}

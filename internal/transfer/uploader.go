package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/minutes-mirror/internal/chunk"
	"github.com/chmdznr/minutes-mirror/pkg/models"
)

const headerFingerprintSize = 512

// QuotaGrant is the remote's permission to upload a file of a given size.
type QuotaGrant struct {
	Token string
}

// PrepareRequest registers an upload session.
type PrepareRequest struct {
	Name   string
	Size   int64
	Header string
	Grant  QuotaGrant
}

// UploadSession identifies an upload in progress.
type UploadSession struct {
	UploadID string
	ObjectID string
	VHID     string
	Grant    QuotaGrant
}

// Block is one checksummed write block. Seq, not arrival order, decides
// where the block lands in the reassembled object.
type Block struct {
	Seq      int
	Size     int64
	Checksum string
}

// ProcessingStatus is the remote's post-upload processing state.
type ProcessingStatus struct {
	Done bool
}

// UploadAPI is the remote upload session protocol.
type UploadAPI interface {
	// CheckQuota returns ErrQuotaExceeded when the store has no room.
	CheckQuota(ctx context.Context, size int64) (QuotaGrant, error)
	Prepare(ctx context.Context, req PrepareRequest) (UploadSession, error)
	// UploadBlock must not retain data after returning.
	UploadBlock(ctx context.Context, session UploadSession, block Block, data []byte) error
	Finish(ctx context.Context, session UploadSession, numBlocks int) error
	Status(ctx context.Context, session UploadSession) (ProcessingStatus, error)
}

// UploadOptions tunes the block uploader.
type UploadOptions struct {
	BlockSize      int64
	Workers        int
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Progress       ProgressFactory
}

// DefaultUploadOptions returns the uploader defaults.
func DefaultUploadOptions() UploadOptions {
	return UploadOptions{
		BlockSize:      4 << 20,
		Workers:        6,
		RequestTimeout: 2 * time.Minute,
		PollInterval:   3 * time.Second,
		PollTimeout:    30 * time.Minute,
	}
}

// Uploader pushes local files to the remote as ordered checksummed blocks.
type Uploader struct {
	api     UploadAPI
	opts    UploadOptions
	log     zerolog.Logger
	buffers sync.Pool
}

// NewUploader creates an uploader speaking api.
func NewUploader(api UploadAPI, opts UploadOptions, log zerolog.Logger) *Uploader {
	defaults := DefaultUploadOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaults.BlockSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaults.PollTimeout
	}

	u := &Uploader{api: api, opts: opts, log: log}
	blockSize := opts.BlockSize
	u.buffers.New = func() any {
		buf := make([]byte, blockSize)
		return &buf
	}
	return u
}

// Upload runs the quota, prepare, block and finish phases, then waits for the
// remote to finish processing the object.
func (u *Uploader) Upload(ctx context.Context, localPath string) (models.RemoteItem, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return models.RemoteItem{}, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.RemoteItem{}, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	size := info.Size()
	blocks, err := chunk.Blocks(size, u.opts.BlockSize)
	if err != nil {
		return models.RemoteItem{}, err
	}

	header, err := headerFingerprint(f)
	if err != nil {
		return models.RemoteItem{}, fmt.Errorf("failed to read header of %s: %w", localPath, err)
	}

	started := time.Now()
	name := uploadName(localPath)
	log := u.log.With().Str("file", localPath).Logger()

	grant, err := u.api.CheckQuota(ctx, size)
	if err != nil {
		return models.RemoteItem{}, fmt.Errorf("quota check: %w", err)
	}

	session, err := u.api.Prepare(ctx, PrepareRequest{Name: name, Size: size, Header: header, Grant: grant})
	if err != nil {
		return models.RemoteItem{}, fmt.Errorf("prepare upload: %w", err)
	}
	log = log.With().Str("item", session.ObjectID).Logger()
	log.Info().Int64("bytes", size).Int("blocks", len(blocks)).Msg("upload started")

	if err := u.uploadBlocks(ctx, f, session, blocks, name, size); err != nil {
		log.Error().Err(err).Msg("upload failed")
		return models.RemoteItem{}, err
	}

	if err := u.api.Finish(ctx, session, len(blocks)); err != nil {
		return models.RemoteItem{}, fmt.Errorf("finish upload: %w", err)
	}

	if err := u.awaitProcessing(ctx, session); err != nil {
		return models.RemoteItem{}, err
	}
	log.Info().Dur("elapsed", time.Since(started)).Msg("upload processed")

	return models.RemoteItem{
		Identifier:  session.ObjectID,
		Kind:        models.KindUserUpload,
		Title:       name,
		CreatedAt:   started,
		CompletedAt: time.Now(),
		Size:        size,
	}, nil
}

func (u *Uploader) uploadBlocks(ctx context.Context, f io.ReaderAt, session UploadSession, blocks []chunk.Chunk, name string, size int64) error {
	progress := newProgress(u.opts.Progress, name, size)
	defer progress.Finish()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Workers)
	for _, b := range blocks {
		b := b
		g.Go(func() error {
			if err := u.uploadBlock(gctx, f, session, b); err != nil {
				return &BlockUploadError{Seq: b.Index, Err: err}
			}
			progress.Add64(b.Len())
			return nil
		})
	}
	return g.Wait()
}

func (u *Uploader) uploadBlock(ctx context.Context, f io.ReaderAt, session UploadSession, b chunk.Chunk) error {
	bufp := u.buffers.Get().(*[]byte)
	defer u.buffers.Put(bufp)

	data := (*bufp)[:b.Len()]
	if _, err := f.ReadAt(data, b.Start); err != nil && !(errors.Is(err, io.EOF) && int64(len(data)) == b.Len()) {
		return fmt.Errorf("read block: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, u.opts.RequestTimeout)
	defer cancel()

	block := Block{Seq: b.Index, Size: b.Len(), Checksum: Checksum(data)}
	return u.api.UploadBlock(reqCtx, session, block, data)
}

// awaitProcessing polls until the remote reports processing done. The remote
// exposes no failure state, so the poll ceiling is the only exit besides Done.
func (u *Uploader) awaitProcessing(ctx context.Context, session UploadSession) error {
	started := time.Now()
	deadline := time.NewTimer(u.opts.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(u.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &ProcessingTimeoutError{Identifier: session.ObjectID, Waited: time.Since(started), LastErr: lastErr}
		case <-ticker.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, u.opts.RequestTimeout)
		status, err := u.api.Status(reqCtx, session)
		cancel()
		if err != nil {
			lastErr = err
			u.log.Warn().Err(err).Str("item", session.ObjectID).Msg("status poll failed")
			continue
		}
		if status.Done {
			return nil
		}
		u.log.Debug().Str("item", session.ObjectID).Dur("elapsed", time.Since(started)).Msg("processing")
	}
}

func headerFingerprint(f io.ReaderAt) (string, error) {
	buf := make([]byte, headerFingerprintSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf[:n]), nil
}

// uploadName is the file's base name without its extension.
func uploadName(path string) string {
	name := filepath.Base(path)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

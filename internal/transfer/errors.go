package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/chmdznr/minutes-mirror/internal/chunk"
)

var (
	// ErrEmptyTransfer is returned for zero-byte objects.
	ErrEmptyTransfer = chunk.ErrEmptyTransfer

	// ErrQuotaExceeded is returned when the remote store reports no room
	// for an upload.
	ErrQuotaExceeded = errors.New("remote quota exceeded")

	// ErrNotPartialContent is returned when a ranged read is not answered
	// with 206 Partial Content.
	ErrNotPartialContent = errors.New("range request not answered with partial content")
)

// SizeUnknownError reports that the size of a remote object could not be
// discovered or is implausibly small.
type SizeUnknownError struct {
	Source string
	Size   int64
	Err    error
}

func (e *SizeUnknownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("size of %s unknown: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("size of %s unknown: probe reported %d bytes", e.Source, e.Size)
}

func (e *SizeUnknownError) Unwrap() error { return e.Err }

// ChunkTransferError reports a download chunk that exhausted its retries.
type ChunkTransferError struct {
	Offset   int64
	Attempts int
	Err      error
}

func (e *ChunkTransferError) Error() string {
	return fmt.Sprintf("chunk at offset %d failed after %d attempts: %v", e.Offset, e.Attempts, e.Err)
}

func (e *ChunkTransferError) Unwrap() error { return e.Err }

// BlockUploadError reports an upload block the remote did not accept.
type BlockUploadError struct {
	Seq int
	Err error
}

func (e *BlockUploadError) Error() string {
	return fmt.Sprintf("block %d upload failed: %v", e.Seq, e.Err)
}

func (e *BlockUploadError) Unwrap() error { return e.Err }

// ProcessingTimeoutError reports that the remote did not finish processing an
// upload within the configured ceiling.
type ProcessingTimeoutError struct {
	Identifier string
	Waited     time.Duration
	LastErr    error
}

func (e *ProcessingTimeoutError) Error() string {
	msg := fmt.Sprintf("processing of %s not finished after %s", e.Identifier, e.Waited)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last status error: %v)", e.LastErr)
	}
	return msg
}

func (e *ProcessingTimeoutError) Unwrap() error { return e.LastErr }

package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chmdznr/minutes-mirror/internal/record"
	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// ErrUploadUnsupported is returned by Upload when no uploader is configured.
var ErrUploadUnsupported = errors.New("remote does not accept uploads")

// Watch runs a cycle every interval until ctx is cancelled. Cycle errors are
// logged and retried on the next tick, except a corrupt record store, which
// stops the loop.
func (m *Mirror) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil {
			var corrupt *record.RecordStoreCorruptionError
			if errors.As(err, &corrupt) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error().Err(err).Msg("cycle failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Upload pushes a local file to the remote and records the new item as
// mirrored, the local file being its copy.
func (m *Mirror) Upload(ctx context.Context, localPath string) (models.RemoteItem, error) {
	if m.opts.Uploader == nil {
		return models.RemoteItem{}, ErrUploadUnsupported
	}
	if err := m.store.Load(ctx); err != nil {
		return models.RemoteItem{}, err
	}

	item, err := m.opts.Uploader.Upload(ctx, localPath)
	if err != nil {
		return models.RemoteItem{}, err
	}
	m.opts.Metrics.Uploaded()

	abs, err := filepath.Abs(localPath)
	if err != nil {
		abs = localPath
	}
	if err := m.store.MarkMirrored(ctx, models.RecordFor(item, abs)); err != nil {
		return item, fmt.Errorf("uploaded %s but failed to record it: %w", item.Identifier, err)
	}
	m.log.Info().Str("item", item.Identifier).Str("file", localPath).Msg("uploaded")
	return item, nil
}

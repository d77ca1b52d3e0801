package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/minutes-mirror/internal/metrics"
	"github.com/chmdznr/minutes-mirror/internal/retention"
	"github.com/chmdznr/minutes-mirror/pkg/models"
	"github.com/chmdznr/minutes-mirror/pkg/utils"
)

const defaultMediaExt = ".mp4"

type itemResult struct {
	item  models.RemoteItem
	asset models.LocalAsset
	bytes int64
	err   error
}

// RunCycle runs one mirror pass. In usage mode an unchanged usage sample
// makes the cycle idle: nothing is listed or evicted. A record store that
// cannot be loaded aborts the cycle before anything is downloaded.
func (m *Mirror) RunCycle(ctx context.Context) (report CycleReport, err error) {
	started := time.Now()
	defer func() {
		switch {
		case err != nil:
			m.opts.Metrics.CycleCompleted(metrics.CycleError)
		case report.Idle:
			m.opts.Metrics.CycleCompleted(metrics.CycleIdle)
		default:
			m.opts.Metrics.CycleCompleted(metrics.CycleOK)
		}
	}()

	var sample models.UsageSample
	if m.opts.Retention.Mode == retention.ModeUsage {
		sample, err = m.remote.Usage(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to sample usage: %w", err)
		}
		if !m.usage.Changed(sample) {
			m.log.Debug().Uint64("bytes", sample.BytesUsed).Msg("usage unchanged, skipping cycle")
			report.Idle = true
			return report, nil
		}
		defer func() {
			if err != nil {
				m.usage.Forget()
			}
		}()
	}

	if err := m.store.Load(ctx); err != nil {
		return report, err
	}

	listed, err := m.remote.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list remote: %w", err)
	}
	items := m.filterKinds(listed)
	report.Remote = len(items)

	var unseen []models.RemoteItem
	for _, it := range items {
		if !m.store.IsMirrored(it.Identifier) {
			unseen = append(unseen, it)
		}
	}
	report.Unseen = len(unseen)
	m.log.Info().Int("remote", len(items)).Int("unseen", len(unseen)).Msg("cycle started")

	var errs *multierror.Error
	for r := range m.transfer(ctx, unseen) {
		if r.err != nil {
			report.Failed = append(report.Failed, r.item.Identifier)
			m.opts.Metrics.ItemFailed()
			m.log.Error().Err(r.err).Str("item", r.item.Identifier).Str("title", r.item.Title).Msg("transfer failed")
			continue
		}
		if err := m.store.MarkMirrored(ctx, models.RecordFor(r.item, r.asset.Dir)); err != nil {
			report.Failed = append(report.Failed, r.item.Identifier)
			errs = multierror.Append(errs, fmt.Errorf("record %s: %w", r.item.Identifier, err))
			m.log.Error().Err(err).Str("item", r.item.Identifier).Msg("failed to record mirrored item")
			continue
		}
		report.Transferred = append(report.Transferred, r.item.Identifier)
		m.opts.Metrics.ItemMirrored(r.bytes)
		m.log.Info().
			Str("item", r.item.Identifier).
			Str("title", r.item.Title).
			Str("bytes", utils.FormatSize(r.bytes)).
			Msg("mirrored")
	}

	report.Evicted = m.retain(ctx, listed, sample)
	m.opts.Metrics.Evicted(len(report.Evicted.Succeeded), len(report.Evicted.Failed))

	m.log.Info().
		Int("transferred", len(report.Transferred)).
		Int("failed", len(report.Failed)).
		Int("evicted", len(report.Evicted.Succeeded)).
		Str("elapsed", utils.FormatDuration(time.Since(started))).
		Msg("cycle finished")
	return report, errs.ErrorOrNil()
}

func (m *Mirror) filterKinds(items []models.RemoteItem) []models.RemoteItem {
	if len(m.opts.Kinds) == 0 {
		return items
	}
	out := make([]models.RemoteItem, 0, len(items))
	for _, it := range items {
		if slices.Contains(m.opts.Kinds, it.Kind) {
			out = append(out, it)
		}
	}
	return out
}

// transfer mirrors items on a bounded pool. Results arrive on the returned
// channel, which is closed once every item has finished. A failed item does
// not cancel the others.
func (m *Mirror) transfer(ctx context.Context, items []models.RemoteItem) <-chan itemResult {
	results := make(chan itemResult)
	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(m.opts.Parallel)
		for _, it := range items {
			it := it
			g.Go(func() error {
				results <- m.mirrorItem(ctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

func (m *Mirror) mirrorItem(ctx context.Context, item models.RemoteItem) itemResult {
	res := itemResult{item: item}
	name := utils.AssetName(item, m.opts.Location)
	dir := filepath.Join(m.opts.Dir, name)
	res.asset = models.LocalAsset{Dir: dir, SizeExpected: item.Size}
	log := m.log.With().Str("item", item.Identifier).Logger()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.err = fmt.Errorf("failed to create %s: %w", dir, err)
		return res
	}

	data, ext, err := m.remote.Transcript(ctx, item)
	if err != nil {
		res.err = fmt.Errorf("transcript: %w", err)
		return res
	}
	if len(data) > 0 {
		p := filepath.Join(dir, name+"."+ext)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			res.err = fmt.Errorf("failed to write transcript: %w", err)
			return res
		}
		res.asset.Siblings = append(res.asset.Siblings, p)
		log.Debug().Str("file", p).Msg("transcript written")
	}

	if !m.opts.TranscriptOnly {
		src, err := m.remote.MediaSource(ctx, item)
		if err != nil {
			res.err = fmt.Errorf("media source: %w", err)
			return res
		}
		media := filepath.Join(dir, name+mediaExt(item))
		if err := m.downloader.Download(ctx, src, media, m.opts.Workers); err != nil {
			if rmErr := os.Remove(media); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn().Err(rmErr).Str("file", media).Msg("failed to remove partial media")
			}
			res.err = err
			return res
		}
		res.asset.Path = media
		if info, err := os.Stat(media); err == nil {
			res.bytes = info.Size()
		}
	}

	mtime := item.MirroredAt()
	res.asset.MtimeOverride = &mtime
	if !mtime.IsZero() {
		for _, f := range append(res.asset.Files(), dir) {
			if err := os.Chtimes(f, mtime, mtime); err != nil {
				res.err = fmt.Errorf("failed to set times on %s: %w", f, err)
				return res
			}
		}
	}
	return res
}

// mediaExt keeps the extension of keys that carry one, as bucket objects do.
func mediaExt(item models.RemoteItem) string {
	ext := path.Ext(item.Identifier)
	if ext == "" || len(ext) > 5 {
		return defaultMediaExt
	}
	return ext
}

// retain applies the retention policy to every listed item, oldest first.
// The count trigger ignores the kinds filter. Only items recorded as
// mirrored are eviction candidates.
func (m *Mirror) retain(ctx context.Context, items []models.RemoteItem, sample models.UsageSample) retention.EvictionReport {
	var count int
	switch m.opts.Retention.Mode {
	case retention.ModeCount:
		count = retention.CountPolicy{MaxCount: m.opts.Retention.MaxCount}.Evictions(len(items))
	case retention.ModeUsage:
		count = retention.UsagePolicy{
			ThresholdBytes: m.opts.Retention.UsageThreshold,
			Batch:          m.opts.Retention.UsageBatch,
		}.Evictions(sample)
	}
	if count == 0 {
		return retention.EvictionReport{}
	}

	candidates := make([]models.RemoteItem, 0, len(items))
	for _, it := range items {
		if m.store.IsMirrored(it.Identifier) {
			candidates = append(candidates, it)
		}
	}
	m.log.Info().
		Str("mode", string(m.opts.Retention.Mode)).
		Int("evict", count).
		Int("candidates", len(candidates)).
		Msg("retention triggered")
	return m.evictor.EvictOldest(ctx, candidates, count)
}

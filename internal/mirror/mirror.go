// Package mirror runs the mirror cycle: list the remote, download what is
// not yet recorded, record it, then evict the oldest mirrored items per the
// retention policy.
package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chmdznr/minutes-mirror/internal/metrics"
	"github.com/chmdznr/minutes-mirror/internal/record"
	"github.com/chmdznr/minutes-mirror/internal/retention"
	"github.com/chmdznr/minutes-mirror/internal/transfer"
	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// Remote is the store being mirrored.
type Remote interface {
	// List returns every item, oldest first.
	List(ctx context.Context) ([]models.RemoteItem, error)
	Usage(ctx context.Context) (models.UsageSample, error)
	// MediaSource resolves the source the RangeSource reads the media from.
	MediaSource(ctx context.Context, item models.RemoteItem) (string, error)
	// Transcript returns the item's transcript and its file extension, or
	// nil data when the item has none.
	Transcript(ctx context.Context, item models.RemoteItem) ([]byte, string, error)
	RangeSource() transfer.RangeSource
	SoftDelete(ctx context.Context, identifier string) error
	Destroy(ctx context.Context, identifier string) error
}

// Uploader pushes a local file to the remote.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (models.RemoteItem, error)
}

// RetentionOptions selects the eviction policy.
type RetentionOptions struct {
	Mode           retention.Mode
	MaxCount       int
	UsageThreshold uint64
	UsageBatch     int
	Eviction       retention.Options
}

// Options configures a Mirror.
type Options struct {
	Dir            string
	Kinds          []models.ItemKind
	TranscriptOnly bool
	// Workers is the number of concurrent ranges per media file.
	Workers int
	// Parallel is the number of items transferred at once.
	Parallel  int
	Download  transfer.DownloadOptions
	Retention RetentionOptions
	Location  *time.Location
	Uploader  Uploader
	Metrics   *metrics.Metrics
}

// Mirror keeps a local copy of a remote store.
type Mirror struct {
	remote     Remote
	store      record.Store
	downloader *transfer.Downloader
	evictor    *retention.Controller
	usage      retention.UsageTracker
	opts       Options
	log        zerolog.Logger
}

// CycleReport summarises one cycle.
type CycleReport struct {
	Remote      int
	Unseen      int
	Transferred []string
	Failed      []string
	Evicted     retention.EvictionReport
	Idle        bool
}

// New creates a Mirror. The store is only written from the goroutine running
// RunCycle or Upload.
func New(remote Remote, store record.Store, opts Options, log zerolog.Logger) *Mirror {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Retention.Mode == "" {
		opts.Retention.Mode = retention.ModeNone
	}
	return &Mirror{
		remote:     remote,
		store:      store,
		downloader: transfer.NewDownloader(remote.RangeSource(), opts.Download, log),
		evictor:    retention.NewController(remote, opts.Retention.Eviction, log),
		opts:       opts,
		log:        log,
	}
}

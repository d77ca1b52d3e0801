package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/minutes-mirror/internal/record"
	"github.com/chmdznr/minutes-mirror/internal/retention"
	"github.com/chmdznr/minutes-mirror/internal/transfer"
	"github.com/chmdznr/minutes-mirror/pkg/models"
	"github.com/chmdznr/minutes-mirror/pkg/utils"
)

var errBroken = errors.New("broken")

type fakeRemote struct {
	mu          sync.Mutex
	items       []models.RemoteItem
	media       map[string][]byte
	transcripts map[string]string
	brokenRange map[string]bool
	brokenSoft  map[string]bool
	usage       uint64
	listCalls   int
	softDeleted []string
	destroyed   []string
}

func newFakeRemote(items ...models.RemoteItem) *fakeRemote {
	f := &fakeRemote{
		items:       items,
		media:       map[string][]byte{},
		transcripts: map[string]string{},
		brokenRange: map[string]bool{},
		brokenSoft:  map[string]bool{},
	}
	for _, it := range items {
		f.media["media/"+it.Identifier] = bytes.Repeat([]byte(it.Identifier), 2048)
		f.transcripts[it.Identifier] = "transcript of " + it.Title
	}
	return f
}

func (f *fakeRemote) List(ctx context.Context) ([]models.RemoteItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]models.RemoteItem(nil), f.items...), nil
}

func (f *fakeRemote) Usage(ctx context.Context) (models.UsageSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.UsageSample{BytesUsed: f.usage, ObservedAt: time.Now()}, nil
}

func (f *fakeRemote) MediaSource(ctx context.Context, item models.RemoteItem) (string, error) {
	return "media/" + item.Identifier, nil
}

func (f *fakeRemote) Transcript(ctx context.Context, item models.RemoteItem) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transcripts[item.Identifier]
	if !ok {
		return nil, "", nil
	}
	return []byte(t), "srt", nil
}

func (f *fakeRemote) RangeSource() transfer.RangeSource { return f }

func (f *fakeRemote) Probe(ctx context.Context, src string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[src]
	if !ok {
		return 0, fmt.Errorf("no media %s", src)
	}
	return int64(len(data)), nil
}

func (f *fakeRemote) OpenRange(ctx context.Context, src string, start, end int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.brokenRange[src] {
		return nil, errBroken
	}
	return io.NopCloser(bytes.NewReader(f.media[src][start : end+1])), nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.brokenSoft[id] {
		return errBroken
	}
	f.softDeleted = append(f.softDeleted, id)
	return nil
}

func (f *fakeRemote) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	kept := f.items[:0]
	for _, it := range f.items {
		if it.Identifier != id {
			kept = append(kept, it)
		}
	}
	f.items = kept
	return nil
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func item(id string, minute int, kind models.ItemKind) models.RemoteItem {
	created := base.Add(time.Duration(minute) * time.Minute)
	return models.RemoteItem{
		Identifier:  id,
		Kind:        kind,
		Title:       "title " + id,
		CreatedAt:   created,
		CompletedAt: created.Add(30 * time.Second),
	}
}

func abc() []models.RemoteItem {
	return []models.RemoteItem{
		item("A", 0, models.KindUserUpload),
		item("B", 1, models.KindUserUpload),
		item("C", 2, models.KindUserUpload),
	}
}

type harness struct {
	dir    string
	remote *fakeRemote
	store  *record.LogStore
	mirror *Mirror
}

func newHarness(t *testing.T, remote *fakeRemote, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := record.OpenLog(filepath.Join(dir, "mirrored.log"))
	require.NoError(t, err)

	opts := Options{
		Dir:      filepath.Join(dir, "out"),
		Workers:  3,
		Parallel: 2,
		Download: transfer.DownloadOptions{MaxAttempts: 1},
		Location: time.UTC,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{
		dir:    dir,
		remote: remote,
		store:  store,
		mirror: New(remote, store, opts, zerolog.Nop()),
	}
}

func (h *harness) paths(it models.RemoteItem) (dir, media, transcript string) {
	name := utils.AssetName(it, time.UTC)
	dir = filepath.Join(h.dir, "out", name)
	return dir, filepath.Join(dir, name+".mp4"), filepath.Join(dir, name+".srt")
}

func TestRunCycleMirrorsThenEvictsOldest(t *testing.T) {
	items := abc()
	remote := newFakeRemote(items...)
	h := newHarness(t, remote, func(o *Options) {
		o.Retention = RetentionOptions{Mode: retention.ModeCount, MaxCount: 2}
	})

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Remote)
	assert.Equal(t, 3, report.Unseen)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, report.Transferred)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"A"}, report.Evicted.Succeeded)
	assert.Equal(t, []string{"A"}, remote.softDeleted)
	assert.Equal(t, []string{"A"}, remote.destroyed)

	for _, it := range items {
		dir, media, transcript := h.paths(it)
		data, err := os.ReadFile(media)
		require.NoError(t, err)
		assert.Equal(t, remote.media["media/"+it.Identifier], data)

		text, err := os.ReadFile(transcript)
		require.NoError(t, err)
		assert.Equal(t, "transcript of "+it.Title, string(text))

		for _, p := range []string{dir, media, transcript} {
			info, err := os.Stat(p)
			require.NoError(t, err)
			assert.True(t, info.ModTime().Equal(it.CompletedAt), "%s mtime %s", p, info.ModTime())
		}
		assert.True(t, h.store.IsMirrored(it.Identifier))
	}

	// The local copy of the evicted item stays.
	_, media, _ := h.paths(items[0])
	assert.FileExists(t, media)

	report, err = h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Remote)
	assert.Zero(t, report.Unseen)
	assert.Empty(t, report.Evicted.Succeeded)
}

func TestRunCycleSkipsRecordedItems(t *testing.T) {
	remote := newFakeRemote(abc()...)
	h := newHarness(t, remote, nil)
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("A\n"), 0o644))

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unseen)
	assert.ElementsMatch(t, []string{"B", "C"}, report.Transferred)

	_, media, _ := h.paths(abc()[0])
	assert.NoFileExists(t, media)
}

func TestFailedItemIsNotRecordedAndRetried(t *testing.T) {
	items := abc()
	remote := newFakeRemote(items...)
	remote.brokenRange["media/B"] = true
	h := newHarness(t, remote, nil)

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.Failed)
	assert.ElementsMatch(t, []string{"A", "C"}, report.Transferred)
	assert.False(t, h.store.IsMirrored("B"))

	_, media, _ := h.paths(items[1])
	assert.NoFileExists(t, media)

	remote.mu.Lock()
	remote.brokenRange["media/B"] = false
	remote.mu.Unlock()

	report, err = h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unseen)
	assert.Equal(t, []string{"B"}, report.Transferred)
	assert.True(t, h.store.IsMirrored("B"))
}

func TestRerunAfterCrashOverwritesStaleFiles(t *testing.T) {
	items := abc()[:1]
	remote := newFakeRemote(items...)
	h := newHarness(t, remote, nil)

	// Files written but never recorded, as after a crash mid-cycle.
	dir, media, _ := h.paths(items[0])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(media, bytes.Repeat([]byte("z"), 10000), 0o644))

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.Transferred)

	data, err := os.ReadFile(media)
	require.NoError(t, err)
	assert.Equal(t, remote.media["media/A"], data)
}

func TestRetentionSkipsUnmirroredItems(t *testing.T) {
	items := abc()
	remote := newFakeRemote(items...)
	remote.brokenRange["media/A"] = true
	h := newHarness(t, remote, func(o *Options) {
		o.Retention = RetentionOptions{Mode: retention.ModeCount, MaxCount: 2}
	})

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.Failed)
	assert.Equal(t, []string{"B"}, report.Evicted.Succeeded)
}

func TestEvictionFailureWalksForward(t *testing.T) {
	items := abc()
	remote := newFakeRemote(items...)
	remote.brokenSoft["A"] = true
	h := newHarness(t, remote, func(o *Options) {
		o.Retention = RetentionOptions{Mode: retention.ModeCount, MaxCount: 2}
	})

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.Evicted.Succeeded)
	require.Len(t, report.Evicted.Failed, 1)
	assert.Equal(t, "A", report.Evicted.Failed[0].Identifier)
	assert.Error(t, report.Evicted.Err())
}

func TestUsageModeIdlesOnUnchangedUsage(t *testing.T) {
	remote := newFakeRemote(abc()...)
	remote.usage = 100
	h := newHarness(t, remote, func(o *Options) {
		o.Retention = RetentionOptions{Mode: retention.ModeUsage, UsageThreshold: 1000, UsageBatch: 2}
	})

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Idle)
	assert.Len(t, report.Transferred, 3)

	report, err = h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Idle)
	assert.Equal(t, 1, remote.listCalls)

	remote.mu.Lock()
	remote.usage = 5000
	remote.mu.Unlock()

	report, err = h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Idle)
	assert.Equal(t, []string{"A", "B"}, report.Evicted.Succeeded)
}

func TestKindsFilter(t *testing.T) {
	remote := newFakeRemote(
		item("M", 0, models.KindMeetingCapture),
		item("U", 1, models.KindUserUpload),
	)
	h := newHarness(t, remote, func(o *Options) {
		o.Kinds = []models.ItemKind{models.KindMeetingCapture}
	})

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Remote)
	assert.Equal(t, []string{"M"}, report.Transferred)
	assert.False(t, h.store.IsMirrored("U"))
}

func TestCountRetentionCountsEveryListedItem(t *testing.T) {
	remote := newFakeRemote(
		item("M1", 0, models.KindMeetingCapture),
		item("U1", 1, models.KindUserUpload),
		item("M2", 2, models.KindMeetingCapture),
		item("U2", 3, models.KindUserUpload),
		item("M3", 4, models.KindMeetingCapture),
	)
	h := newHarness(t, remote, func(o *Options) {
		o.Kinds = []models.ItemKind{models.KindMeetingCapture}
		o.Retention = RetentionOptions{Mode: retention.ModeCount, MaxCount: 3}
	})

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Remote)
	assert.ElementsMatch(t, []string{"M1", "M2", "M3"}, report.Transferred)
	assert.Equal(t, []string{"M1", "M2"}, report.Evicted.Succeeded)
	assert.Equal(t, []string{"M1", "M2"}, remote.destroyed)
}

func TestKeyWithSpacesIsRecorded(t *testing.T) {
	it := item("recordings/weekly sync.mp4", 0, models.KindUserUpload)
	remote := newFakeRemote(it)
	h := newHarness(t, remote, nil)

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{it.Identifier}, report.Transferred)
	assert.Empty(t, report.Failed)
	assert.True(t, h.store.IsMirrored(it.Identifier))

	_, media, _ := h.paths(it)
	assert.FileExists(t, media)

	report, err = h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Unseen)
	assert.Empty(t, report.Transferred)
}

func TestSameTitleSameMinuteKeepBothCopies(t *testing.T) {
	x1 := item("X1", 0, models.KindUserUpload)
	x2 := item("X2", 0, models.KindUserUpload)
	x1.Title, x2.Title = "standup", "standup"
	x2.CreatedAt = x2.CreatedAt.Add(15 * time.Second)
	remote := newFakeRemote(x1, x2)
	h := newHarness(t, remote, nil)

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"X1", "X2"}, report.Transferred)

	dir1, media1, _ := h.paths(x1)
	dir2, media2, _ := h.paths(x2)
	assert.NotEqual(t, dir1, dir2)
	for id, media := range map[string]string{"X1": media1, "X2": media2} {
		data, err := os.ReadFile(media)
		require.NoError(t, err)
		assert.Equal(t, remote.media["media/"+id], data, id)
		assert.True(t, h.store.IsMirrored(id))
	}
}

func TestTranscriptOnly(t *testing.T) {
	items := abc()[:1]
	remote := newFakeRemote(items...)
	h := newHarness(t, remote, func(o *Options) { o.TranscriptOnly = true })

	report, err := h.mirror.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.Transferred)

	_, media, transcript := h.paths(items[0])
	assert.NoFileExists(t, media)
	assert.FileExists(t, transcript)
}

func TestCorruptStoreAbortsCycle(t *testing.T) {
	remote := newFakeRemote(abc()...)
	h := newHarness(t, remote, nil)
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("A\nbad\x00id\n"), 0o644))

	_, err := h.mirror.RunCycle(context.Background())
	var corrupt *record.RecordStoreCorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 2, corrupt.Line)
	assert.Zero(t, remote.listCalls)

	err = h.mirror.Watch(context.Background(), time.Millisecond)
	require.ErrorAs(t, err, &corrupt)
}

func TestWatchStopsOnCancel(t *testing.T) {
	remote := newFakeRemote(abc()...)
	h := newHarness(t, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.mirror.Watch(ctx, time.Hour))
}

type fakeUploader struct {
	item models.RemoteItem
	err  error
}

func (u fakeUploader) Upload(ctx context.Context, path string) (models.RemoteItem, error) {
	return u.item, u.err
}

func TestUploadRecordsItem(t *testing.T) {
	remote := newFakeRemote()
	up := fakeUploader{item: item("NEW", 5, models.KindUserUpload)}
	h := newHarness(t, remote, func(o *Options) { o.Uploader = up })

	got, err := h.mirror.Upload(context.Background(), "talk.m4a")
	require.NoError(t, err)
	assert.Equal(t, "NEW", got.Identifier)
	assert.True(t, h.store.IsMirrored("NEW"))
}

func TestUploadErrors(t *testing.T) {
	h := newHarness(t, newFakeRemote(), nil)
	_, err := h.mirror.Upload(context.Background(), "talk.m4a")
	require.ErrorIs(t, err, ErrUploadUnsupported)

	h = newHarness(t, newFakeRemote(), func(o *Options) {
		o.Uploader = fakeUploader{err: transfer.ErrQuotaExceeded}
	})
	_, err = h.mirror.Upload(context.Background(), "talk.m4a")
	require.ErrorIs(t, err, transfer.ErrQuotaExceeded)
}

func TestMediaExt(t *testing.T) {
	assert.Equal(t, ".mp4", mediaExt(models.RemoteItem{Identifier: "obcn123"}))
	assert.Equal(t, ".m4a", mediaExt(models.RemoteItem{Identifier: "rec/a.m4a"}))
	assert.Equal(t, ".mp4", mediaExt(models.RemoteItem{Identifier: "rec/a.verylongext"}))
}

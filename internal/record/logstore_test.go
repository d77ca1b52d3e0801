package record

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

func rec(id string) models.MirrorRecord {
	return models.MirrorRecord{RemoteIdentifier: id}
}

func TestLogStoreMarkAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "minutes.txt")

	store, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(ctx))
	assert.False(t, store.IsMirrored("obcnq3b8"))

	require.NoError(t, store.MarkMirrored(ctx, rec("obcnq3b8")))
	require.NoError(t, store.MarkMirrored(ctx, rec("obcz9x21")))
	assert.True(t, store.IsMirrored("obcnq3b8"))

	reopened, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))
	assert.True(t, reopened.IsMirrored("obcnq3b8"))
	assert.True(t, reopened.IsMirrored("obcz9x21"))
	assert.Equal(t, 2, reopened.Len())
}

func TestLogStoreMarkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "minutes.txt")

	store, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkMirrored(ctx, rec("dup")))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dup\n", string(data))
}

func TestLogStoreReadsLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minutes.txt")
	require.NoError(t, os.WriteFile(path, []byte("a1\r\n\nb2\n  \nc3\n"), 0o644))

	store, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background()))
	for _, id := range []string{"a1", "b2", "c3"} {
		assert.True(t, store.IsMirrored(id), id)
	}
	assert.Equal(t, 3, store.Len())
}

func TestLogStoreKeepsSpacesInIdentifiers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "minutes.txt")
	key := "recordings/weekly sync.mp4"

	store, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(ctx))
	require.NoError(t, store.MarkMirrored(ctx, rec(key)))

	reopened, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Load(ctx))
	assert.True(t, reopened.IsMirrored(key))
	assert.False(t, reopened.IsMirrored("recordings/weekly"))
}

func TestLogStoreCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minutes.txt")
	require.NoError(t, os.WriteFile(path, []byte("good\nbad\x00line\n"), 0o644))

	store, err := OpenLog(path)
	require.NoError(t, err)
	err = store.Load(context.Background())

	var corrupt *RecordStoreCorruptionError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, 2, corrupt.Line)
}

func TestLogStoreOversizedLineIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minutes.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 128*1024)), 0o644))

	store, err := OpenLog(path)
	require.NoError(t, err)
	var corrupt *RecordStoreCorruptionError
	assert.True(t, errors.As(store.Load(context.Background()), &corrupt))
}

func TestLogStoreRejectsInvalidIdentifier(t *testing.T) {
	store, err := OpenLog(filepath.Join(t.TempDir(), "minutes.txt"))
	require.NoError(t, err)
	assert.Error(t, store.MarkMirrored(context.Background(), rec("two\nlines")))
	assert.Error(t, store.MarkMirrored(context.Background(), rec("nul\x00byte")))
	assert.Error(t, store.MarkMirrored(context.Background(), rec("   ")))
	assert.Error(t, store.MarkMirrored(context.Background(), rec("")))
}

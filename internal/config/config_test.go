package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "mmirror.yaml", "remote:\n  cookie: \"a=b\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendMinutes, cfg.Remote.Backend)
	assert.Equal(t, 2, cfg.Remote.Space)
	assert.Equal(t, []string{"meeting", "upload"}, cfg.Download.Kinds)
	assert.Equal(t, ByteSize(1024), cfg.Download.MinSize)
	assert.Equal(t, 10*time.Minute, cfg.Download.RequestTimeout)
	assert.Equal(t, ByteSize(4<<20), cfg.Upload.BlockSize)
	assert.Equal(t, 3*time.Second, cfg.Upload.PollInterval)
	assert.Equal(t, "none", cfg.Retention.Mode)
	assert.Equal(t, 10, cfg.Retention.MaxFailures)
	assert.Equal(t, 2, cfg.Retention.Batch)
	assert.Equal(t, DriverLog, cfg.Records.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Watch.Interval)
}

func TestLoadHumanSizesAndDurations(t *testing.T) {
	path := writeConfig(t, "mmirror.yaml", `
remote:
  backend: bucket
  bucket:
    endpoint: localhost:9000
    name: recordings
download:
  min_size: 2 KB
  kinds: [meeting]
upload:
  block_size: 8MiB
  poll_interval: 500ms
retention:
  mode: usage
  usage_threshold: 10GiB
  batch: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ByteSize(2000), cfg.Download.MinSize)
	assert.Equal(t, ByteSize(8<<20), cfg.Upload.BlockSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Upload.PollInterval)
	assert.Equal(t, ByteSize(10<<30), cfg.Retention.UsageThreshold)
	assert.Equal(t, "10 GiB", cfg.Retention.UsageThreshold.String())

	kinds, err := cfg.ItemKinds()
	require.NoError(t, err)
	assert.Equal(t, []models.ItemKind{models.KindMeetingCapture}, kinds)
}

func TestLoadINI(t *testing.T) {
	path := writeConfig(t, "mmirror.ini", "[remote]\ncookie = a=b\nspace = 7\n\n[retention]\nmode = count\nmax_count = 5\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Remote.Space)
	assert.Equal(t, "count", cfg.Retention.Mode)
	assert.Equal(t, 5, cfg.Retention.MaxCount)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "mmirror.yaml", "remote:\n  cookie: from-file\n")
	t.Setenv("MMIRROR_REMOTE_COOKIE", "from-env")
	t.Setenv("MMIRROR_DOWNLOAD_PARALLEL", "9")
	t.Setenv("MMIRROR_DOWNLOAD_KINDS", "upload")
	t.Setenv("MMIRROR_UPLOAD_BLOCK_SIZE", "1MiB")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Remote.Cookie)
	assert.Equal(t, 9, cfg.Download.Parallel)
	assert.Equal(t, []string{"upload"}, cfg.Download.Kinds)
	assert.Equal(t, ByteSize(1<<20), cfg.Upload.BlockSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func validConfig() Config {
	return Config{
		Remote:    RemoteConfig{Backend: BackendMinutes, Cookie: "a=b"},
		Download:  DownloadConfig{Dir: "out", Kinds: []string{"meeting"}, Transcript: TranscriptConfig{Format: "srt"}, Workers: 4, Parallel: 2},
		Upload:    UploadConfig{BlockSize: 4 << 20, Workers: 6, PollInterval: time.Second, PollTimeout: time.Minute},
		Retention: RetentionConfig{Mode: "none", MaxFailures: 10},
		Records:   RecordsConfig{Driver: DriverLog, Path: "out/mirrored.log"},
		Watch:     WatchConfig{Interval: time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing cookie", mutate: func(c *Config) { c.Remote.Cookie = "" }, wantErr: "remote.cookie"},
		{name: "unknown backend", mutate: func(c *Config) { c.Remote.Backend = "ftp" }, wantErr: "remote.backend"},
		{name: "bucket needs endpoint", mutate: func(c *Config) {
			c.Remote.Backend = BackendBucket
			c.Remote.Bucket.Name = "b"
		}, wantErr: "remote.bucket.endpoint"},
		{name: "usage mode on minutes", mutate: func(c *Config) {
			c.Retention.Mode = "usage"
			c.Retention.UsageThreshold = 1 << 30
		}, wantErr: "does not report"},
		{name: "count mode without max", mutate: func(c *Config) { c.Retention.Mode = "count" }, wantErr: "retention.max_count"},
		{name: "unknown mode", mutate: func(c *Config) { c.Retention.Mode = "lru" }, wantErr: "retention.mode"},
		{name: "unknown kind", mutate: func(c *Config) { c.Download.Kinds = []string{"podcast"} }, wantErr: "download.kinds"},
		{name: "bad transcript format", mutate: func(c *Config) { c.Download.Transcript.Format = "pdf" }, wantErr: "download.transcript.format"},
		{name: "unknown driver", mutate: func(c *Config) { c.Records.Driver = "redis" }, wantErr: "records.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.Cookie = ""
	cfg.Download.Parallel = 0
	cfg.Records.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 errors occurred")
}

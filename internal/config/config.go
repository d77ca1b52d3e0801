// Package config loads mmirror settings from a file and MMIRROR_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/chmdznr/minutes-mirror/internal/retention"
	"github.com/chmdznr/minutes-mirror/pkg/models"
)

const (
	BackendMinutes = "minutes"
	BackendBucket  = "bucket"

	DriverLog    = "log"
	DriverSQLite = "sqlite"

	envPrefix = "MMIRROR"
)

// ByteSize is a byte count that also accepts strings like "4MiB" or "10 GB".
type ByteSize uint64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Download  DownloadConfig  `mapstructure:"download"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Retention RetentionConfig `mapstructure:"retention"`
	Records   RecordsConfig   `mapstructure:"records"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type RemoteConfig struct {
	Backend      string       `mapstructure:"backend"`
	Cookie       string       `mapstructure:"cookie"`
	BaseURL      string       `mapstructure:"base_url"`
	BlockBaseURL string       `mapstructure:"block_base_url"`
	Space        int          `mapstructure:"space"`
	Language     string       `mapstructure:"language"`
	Proxy        string       `mapstructure:"proxy"`
	Bucket       BucketConfig `mapstructure:"bucket"`
}

type BucketConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Insecure  bool   `mapstructure:"insecure"`
	Name      string `mapstructure:"name"`
	Prefix    string `mapstructure:"prefix"`
}

type TranscriptConfig struct {
	Format    string `mapstructure:"format"`
	Speaker   bool   `mapstructure:"speaker"`
	Timestamp bool   `mapstructure:"timestamp"`
}

type DownloadConfig struct {
	Dir            string           `mapstructure:"dir"`
	Kinds          []string         `mapstructure:"kinds"`
	Transcript     TranscriptConfig `mapstructure:"transcript"`
	TranscriptOnly bool             `mapstructure:"transcript_only"`
	Workers        int              `mapstructure:"workers"`
	Parallel       int              `mapstructure:"parallel"`
	MinSize        ByteSize         `mapstructure:"min_size"`
	MaxAttempts    int              `mapstructure:"max_attempts"`
	RequestTimeout time.Duration    `mapstructure:"request_timeout"`
}

type UploadConfig struct {
	BlockSize      ByteSize      `mapstructure:"block_size"`
	Workers        int           `mapstructure:"workers"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
}

type RetentionConfig struct {
	Mode           string        `mapstructure:"mode"`
	MaxCount       int           `mapstructure:"max_count"`
	UsageThreshold ByteSize      `mapstructure:"usage_threshold"`
	Batch          int           `mapstructure:"batch"`
	MaxFailures    int           `mapstructure:"max_failures"`
	StepDelay      time.Duration `mapstructure:"step_delay"`
}

type RecordsConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.backend", BackendMinutes)
	v.SetDefault("remote.cookie", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.block_base_url", "")
	v.SetDefault("remote.space", 2)
	v.SetDefault("remote.language", "zh_cn")
	v.SetDefault("remote.proxy", "")
	v.SetDefault("remote.bucket.endpoint", "")
	v.SetDefault("remote.bucket.access_key", "")
	v.SetDefault("remote.bucket.secret_key", "")
	v.SetDefault("remote.bucket.region", "")
	v.SetDefault("remote.bucket.insecure", false)
	v.SetDefault("remote.bucket.name", "")
	v.SetDefault("remote.bucket.prefix", "")

	v.SetDefault("download.dir", "minutes")
	v.SetDefault("download.kinds", []string{"meeting", "upload"})
	v.SetDefault("download.transcript.format", "srt")
	v.SetDefault("download.transcript.speaker", true)
	v.SetDefault("download.transcript.timestamp", true)
	v.SetDefault("download.transcript_only", false)
	v.SetDefault("download.workers", 16)
	v.SetDefault("download.parallel", 4)
	v.SetDefault("download.min_size", "1KiB")
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.request_timeout", "10m")

	v.SetDefault("upload.block_size", "4MiB")
	v.SetDefault("upload.workers", 6)
	v.SetDefault("upload.request_timeout", "2m")
	v.SetDefault("upload.poll_interval", "3s")
	v.SetDefault("upload.poll_timeout", "30m")

	v.SetDefault("retention.mode", string(retention.ModeNone))
	v.SetDefault("retention.max_count", 0)
	v.SetDefault("retention.usage_threshold", "0")
	v.SetDefault("retention.batch", retention.DefaultUsageBatch)
	v.SetDefault("retention.max_failures", retention.DefaultMaxFailures)
	v.SetDefault("retention.step_delay", "0s")

	v.SetDefault("records.driver", DriverLog)
	v.SetDefault("records.path", "minutes/mirrored.log")

	v.SetDefault("watch.interval", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.console", true)

	v.SetDefault("metrics.addr", "")
}

// Load reads path, or the first mmirror.{yaml,toml,ini,...} found in the
// working directory, ~/.mmirror or /etc/mmirror when path is empty. A
// missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mmirror")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mmirror")
		v.AddConfigPath("/etc/mmirror")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	byteSizeType = reflect.TypeOf(ByteSize(0))
	durationType = reflect.TypeOf(time.Duration(0))
)

// decodeHook turns strings into ByteSize, time.Duration and []string
// (comma separated, as environment variables arrive).
func decodeHook(from, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if !ok || from.Kind() != reflect.String {
		return data, nil
	}
	switch {
	case to == byteSizeType:
		n, err := humanize.ParseBytes(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return ByteSize(n), nil
	case to == durationType:
		return time.ParseDuration(strings.TrimSpace(s))
	case to.Kind() == reflect.Slice && to.Elem().Kind() == reflect.String:
		if strings.TrimSpace(s) == "" {
			return []string{}, nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
	return data, nil
}

// ItemKinds parses download.kinds.
func (c *Config) ItemKinds() ([]models.ItemKind, error) {
	kinds := make([]models.ItemKind, 0, len(c.Download.Kinds))
	for _, k := range c.Download.Kinds {
		kind, err := models.ParseItemKind(strings.ToLower(strings.TrimSpace(k)))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Validate rejects impossible or incomplete settings, reporting all of them.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Remote.Backend {
	case BackendMinutes:
		if c.Remote.Cookie == "" {
			fail("remote.cookie is required for the %s backend", BackendMinutes)
		}
	case BackendBucket:
		if c.Remote.Bucket.Endpoint == "" {
			fail("remote.bucket.endpoint is required for the %s backend", BackendBucket)
		}
		if c.Remote.Bucket.Name == "" {
			fail("remote.bucket.name is required for the %s backend", BackendBucket)
		}
	default:
		fail("remote.backend must be %q or %q, got %q", BackendMinutes, BackendBucket, c.Remote.Backend)
	}

	if c.Download.Dir == "" {
		fail("download.dir must not be empty")
	}
	if len(c.Download.Kinds) == 0 {
		fail("download.kinds must name at least one kind")
	} else if _, err := c.ItemKinds(); err != nil {
		fail("download.kinds: %v", err)
	}
	if f := c.Download.Transcript.Format; f != "srt" && f != "txt" {
		fail("download.transcript.format must be srt or txt, got %q", f)
	}
	if c.Download.Workers < 1 {
		fail("download.workers must be at least 1")
	}
	if c.Download.Parallel < 1 {
		fail("download.parallel must be at least 1")
	}
	if c.Upload.Workers < 1 {
		fail("upload.workers must be at least 1")
	}
	if c.Upload.BlockSize == 0 {
		fail("upload.block_size must be positive")
	}
	if c.Upload.PollTimeout < c.Upload.PollInterval {
		fail("upload.poll_timeout must not be shorter than upload.poll_interval")
	}

	mode, err := retention.ParseMode(c.Retention.Mode)
	if err != nil {
		fail("retention.mode: %v", err)
	}
	switch mode {
	case retention.ModeCount:
		if c.Retention.MaxCount < 1 {
			fail("retention.max_count must be at least 1 in count mode")
		}
	case retention.ModeUsage:
		if c.Retention.UsageThreshold == 0 {
			fail("retention.usage_threshold must be positive in usage mode")
		}
		if c.Remote.Backend == BackendMinutes {
			fail("retention.mode usage needs storage usage, which the %s backend does not report", BackendMinutes)
		}
	}
	if c.Retention.MaxFailures < 1 {
		fail("retention.max_failures must be at least 1")
	}

	switch c.Records.Driver {
	case DriverLog, DriverSQLite:
	default:
		fail("records.driver must be %q or %q, got %q", DriverLog, DriverSQLite, c.Records.Driver)
	}
	if c.Records.Path == "" {
		fail("records.path must not be empty")
	}
	if c.Watch.Interval <= 0 {
		fail("watch.interval must be positive")
	}

	return result.ErrorOrNil()
}

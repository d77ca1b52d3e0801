package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/minutes-mirror/internal/bucket"
	"github.com/chmdznr/minutes-mirror/internal/config"
	"github.com/chmdznr/minutes-mirror/internal/db"
	"github.com/chmdznr/minutes-mirror/internal/logger"
	"github.com/chmdznr/minutes-mirror/internal/metrics"
	"github.com/chmdznr/minutes-mirror/internal/minutes"
	"github.com/chmdznr/minutes-mirror/internal/mirror"
	"github.com/chmdznr/minutes-mirror/internal/record"
	"github.com/chmdznr/minutes-mirror/internal/retention"
	"github.com/chmdznr/minutes-mirror/internal/transfer"
)

// app holds what every command needs once the config is loaded.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	logFile io.Closer
	metrics *metrics.Metrics
}

func setup(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	log, closer, err := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: cfg.Log.Console,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, logFile: closer}
	if cfg.Metrics.Addr != "" {
		a.metrics = metrics.New()
	}
	return a, nil
}

func (a *app) Close() error {
	return a.logFile.Close()
}

func (a *app) serveMetrics(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, a.cfg.Metrics.Addr, a.log); err != nil {
			a.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

func (a *app) openStore() (record.Store, error) {
	switch a.cfg.Records.Driver {
	case config.DriverSQLite:
		return db.New(a.cfg.Records.Path)
	default:
		return record.OpenLog(a.cfg.Records.Path)
	}
}

func (a *app) progress(enabled bool) transfer.ProgressFactory {
	if !enabled {
		return nil
	}
	return transfer.BarProgress
}

func (a *app) newRemote(progress bool) (mirror.Remote, mirror.Uploader, error) {
	rc := a.cfg.Remote
	switch rc.Backend {
	case config.BackendMinutes:
		client, err := minutes.NewClient(minutes.Options{
			BaseURL:        rc.BaseURL,
			BlockBaseURL:   rc.BlockBaseURL,
			Cookie:         rc.Cookie,
			Space:          rc.Space,
			Language:       rc.Language,
			Proxy:          rc.Proxy,
			RequestTimeout: a.cfg.Upload.RequestTimeout,
			Transcript: minutes.TranscriptOptions{
				Format:    a.cfg.Download.Transcript.Format,
				Speaker:   a.cfg.Download.Transcript.Speaker,
				Timestamp: a.cfg.Download.Transcript.Timestamp,
			},
		}, a.log.With().Str("component", "minutes").Logger())
		if err != nil {
			return nil, nil, err
		}
		uploader := transfer.NewUploader(client, transfer.UploadOptions{
			BlockSize:      int64(a.cfg.Upload.BlockSize),
			Workers:        a.cfg.Upload.Workers,
			RequestTimeout: a.cfg.Upload.RequestTimeout,
			PollInterval:   a.cfg.Upload.PollInterval,
			PollTimeout:    a.cfg.Upload.PollTimeout,
			Progress:       a.progress(progress),
		}, a.log.With().Str("component", "uploader").Logger())
		return client, uploader, nil

	case config.BackendBucket:
		bc := rc.Bucket
		b, err := bucket.New(bucket.Options{
			Endpoint:      bc.Endpoint,
			AccessKey:     bc.AccessKey,
			SecretKey:     bc.SecretKey,
			Region:        bc.Region,
			Insecure:      bc.Insecure,
			Bucket:        bc.Name,
			Prefix:        bc.Prefix,
			TranscriptExt: a.cfg.Download.Transcript.Format,
		}, a.log.With().Str("component", "bucket").Logger())
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", rc.Backend)
}

// newMirror wires the configured remote into a Mirror. With retain unset the
// retention policy is disabled.
func (a *app) newMirror(store record.Store, progress, retain bool) (*mirror.Mirror, error) {
	remote, uploader, err := a.newRemote(progress)
	if err != nil {
		return nil, err
	}
	kinds, err := a.cfg.ItemKinds()
	if err != nil {
		return nil, err
	}

	mode := retention.ModeNone
	if retain {
		if mode, err = retention.ParseMode(a.cfg.Retention.Mode); err != nil {
			return nil, err
		}
	}

	dc := a.cfg.Download
	return mirror.New(remote, store, mirror.Options{
		Dir:            dc.Dir,
		Kinds:          kinds,
		TranscriptOnly: dc.TranscriptOnly,
		Workers:        dc.Workers,
		Parallel:       dc.Parallel,
		Download: transfer.DownloadOptions{
			MaxAttempts:    dc.MaxAttempts,
			MinSize:        int64(dc.MinSize),
			RequestTimeout: dc.RequestTimeout,
			RetryDelay:     transfer.DefaultDownloadOptions().RetryDelay,
			Progress:       a.progress(progress),
		},
		Retention: mirror.RetentionOptions{
			Mode:           mode,
			MaxCount:       a.cfg.Retention.MaxCount,
			UsageThreshold: uint64(a.cfg.Retention.UsageThreshold),
			UsageBatch:     a.cfg.Retention.Batch,
			Eviction: retention.Options{
				MaxFailures: a.cfg.Retention.MaxFailures,
				StepDelay:   a.cfg.Retention.StepDelay,
			},
		},
		Uploader: uploader,
		Metrics:  a.metrics,
	}, a.log), nil
}

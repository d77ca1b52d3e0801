package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/minutes-mirror/internal/db"
	"github.com/chmdznr/minutes-mirror/internal/record"
	"github.com/chmdznr/minutes-mirror/internal/retention"
	"github.com/chmdznr/minutes-mirror/pkg/models"
	"github.com/chmdznr/minutes-mirror/pkg/utils"
	"github.com/chmdznr/minutes-mirror/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	progressFlag := &cli.BoolFlag{
		Name:  "progress",
		Usage: "Show transfer progress bars",
		Value: true,
	}

	app := &cli.App{
		Name:                 "mmirror",
		Usage:                "Mirror a meeting-minutes space locally and keep the remote within a retention budget",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file (yaml, toml, ini or json)",
				EnvVars: []string{"MMIRROR_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:   "sync",
				Usage:  "Run one cycle: mirror new items, then apply retention",
				Flags:  []cli.Flag{progressFlag},
				Action: runSync,
			},
			{
				Name:   "download",
				Usage:  "Mirror new items without evicting anything",
				Flags:  []cli.Flag{progressFlag},
				Action: runDownload,
			},
			{
				Name:  "watch",
				Usage: "Run a cycle every watch.interval until interrupted",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Override watch.interval",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show transfer progress bars",
					},
				},
				Action: runWatch,
			},
			{
				Name:      "upload",
				Usage:     "Upload local files to the remote and record them as mirrored",
				ArgsUsage: "FILE...",
				Flags:     []cli.Flag{progressFlag},
				Action:    runUpload,
			},
			{
				Name:  "status",
				Usage: "Show the record store summary",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "item",
						Usage: "Show the stored record of one identifier (sqlite driver)",
					},
				},
				Action: showStatus,
			},
			{
				Name:  "import",
				Usage: "Import identifiers from a record log into the configured record store",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "from",
						Usage:    "Path to a record log, one identifier per line",
						Required: true,
					},
				},
				Action: importLog,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func runSync(c *cli.Context) error {
	return runOnce(c, true)
}

func runDownload(c *cli.Context) error {
	return runOnce(c, false)
}

func runOnce(c *cli.Context, retain bool) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(c)
	defer cancel()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := a.newMirror(store, c.Bool("progress"), retain)
	if err != nil {
		return err
	}
	a.serveMetrics(ctx)

	report, err := m.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	fmt.Printf("Remote items: %d, new: %d\n", report.Remote, report.Unseen)
	fmt.Printf("Mirrored: %d, failed: %d\n", len(report.Transferred), len(report.Failed))
	if retain {
		fmt.Printf("Evicted: %d of %d requested, %d failed\n",
			len(report.Evicted.Succeeded), report.Evicted.Requested, len(report.Evicted.Failed))
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d item(s) failed: %s", len(report.Failed), strings.Join(report.Failed, ", "))
	}
	return report.Evicted.Err()
}

func runWatch(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(c)
	defer cancel()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := a.newMirror(store, c.Bool("progress"), true)
	if err != nil {
		return err
	}
	a.serveMetrics(ctx)

	interval := a.cfg.Watch.Interval
	if d := c.Duration("interval"); d > 0 {
		interval = d
	}
	a.log.Info().Dur("interval", interval).Str("retention", a.cfg.Retention.Mode).Msg("watching")
	return m.Watch(ctx, interval)
}

func runUpload(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one file is required")
	}

	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(c)
	defer cancel()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := a.newMirror(store, c.Bool("progress"), false)
	if err != nil {
		return err
	}

	for _, path := range c.Args().Slice() {
		item, err := m.Upload(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
		fmt.Printf("Uploaded %s as %s (%s)\n", path, item.Identifier, utils.FormatSize(item.Size))
	}
	return nil
}

// showStatus prints the record store summary. The SQLite store keeps titles
// and timestamps; the record log only knows identifiers.
func showStatus(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Load(c.Context); err != nil {
		return err
	}

	fmt.Printf("Backend: %s\n", a.cfg.Remote.Backend)
	fmt.Printf("Local directory: %s\n", a.cfg.Download.Dir)
	fmt.Printf("Record store: %s (%s)\n", a.cfg.Records.Path, a.cfg.Records.Driver)
	printRetention(a)

	switch s := store.(type) {
	case *db.DB:
		if id := c.String("item"); id != "" {
			rec, err := s.GetRecord(c.Context, id)
			if err != nil {
				return err
			}
			fmt.Printf("Item: %s\n", rec.RemoteIdentifier)
			fmt.Printf("  Title: %s\n  Kind: %s\n  Local path: %s\n", rec.Title, rec.Kind, rec.LocalPath)
			fmt.Printf("  Completed: %s\n  Mirrored: %s\n",
				rec.CompletedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(rec.MirroredAt))
			return nil
		}
		stats, err := s.GetStats(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Mirrored items: %d (meetings: %d, uploads: %d)\n",
			stats.MirroredItems, stats.MeetingItems, stats.UploadItems)
		if !stats.LastMirroredAt.IsZero() {
			fmt.Printf("Last mirrored: %s\n", humanize.Time(stats.LastMirroredAt))
		}
		recent, err := s.RecentRecords(c.Context, 10)
		if err != nil {
			return err
		}
		for _, r := range recent {
			fmt.Printf("  %s  %-7s %s\n", r.MirroredAt.Local().Format("2006-01-02 15:04"), r.Kind, r.Title)
		}
	case *record.LogStore:
		fmt.Printf("Mirrored items: %d\n", s.Len())
		if id := c.String("item"); id != "" {
			fmt.Printf("%s mirrored: %t\n", id, s.IsMirrored(id))
		}
	}
	return nil
}

func printRetention(a *app) {
	mode, _ := retention.ParseMode(a.cfg.Retention.Mode)
	switch mode {
	case retention.ModeCount:
		fmt.Printf("Retention: keep %d remote items\n", a.cfg.Retention.MaxCount)
	case retention.ModeUsage:
		fmt.Printf("Retention: evict %d when usage exceeds %s\n", a.cfg.Retention.Batch, a.cfg.Retention.UsageThreshold)
	default:
		fmt.Println("Retention: none")
	}
}

// importLog copies identifiers from a record log into the configured store,
// typically to move an existing log into SQLite.
func importLog(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Load(c.Context); err != nil {
		return err
	}

	f, err := os.Open(c.String("from"))
	if err != nil {
		return fmt.Errorf("failed to open record log: %w", err)
	}
	defer f.Close()

	var imported, skipped int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		if store.IsMirrored(id) {
			skipped++
			continue
		}
		if err := store.MarkMirrored(c.Context, models.MirrorRecord{RemoteIdentifier: id}); err != nil {
			return fmt.Errorf("failed to import %s: %w", id, err)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read record log: %w", err)
	}

	fmt.Printf("Imported %d identifiers (%d already present)\n", imported, skipped)
	return nil
}

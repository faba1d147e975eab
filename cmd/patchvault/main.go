// Command patchvault archives every client build the patch server announces.
//
// It starts:
// - the poll loop, which checks the current version on an interval and
//   downloads, compresses, records and stores each version it has not seen,
// - an optional status HTTP endpoint with Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"patchvault/internal/config"
	"patchvault/internal/download"
	"patchvault/internal/eventlog"
	"patchvault/internal/ledger"
	"patchvault/internal/mirror"
	"patchvault/internal/notify"
	"patchvault/internal/poller"
	"patchvault/internal/proto"
	"patchvault/internal/source"
	"patchvault/internal/status"
	"patchvault/internal/store"
)

const serviceVersion = "0.1.0"

func fatal(msg string, err error, attrs ...any) {
	args := make([]any, 0, 2+len(attrs))
	args = append(args, "err", err)
	args = append(args, attrs...)
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	// Set up logging first so early failures are captured consistently.
	runID := proto.MakeRunID()
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("run_id", runID))

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed", err)
	}
	level.Set(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown watch: a download in flight can hold the loop for a while, so
	// allow a bounded window before forcing termination.
	go func() {
		<-ctx.Done()
		t := time.NewTimer(60 * time.Second)
		defer t.Stop()
		<-t.C
		slog.Error("shutdown timed out after 60s, forcing exit")
		os.Exit(2)
	}()

	st, err := store.Open(cfg.BaseDir)
	if err != nil {
		fatal("create storage directories failed", err, "base_dir", cfg.BaseDir)
	}

	ldg, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		fatal("open ledger failed", err, "driver", cfg.Ledger.Driver)
	}
	defer func() { _ = ldg.Close() }()
	if sq, ok := ldg.(*ledger.SQLite); ok {
		if m := sq.Migration(); m.Legacy || m.DuplicatesRemoved > 0 {
			slog.Warn("ledger migrated",
				"path", cfg.Ledger.SQLitePath,
				"legacy_columns", m.Legacy,
				"duplicates_removed", m.DuplicatesRemoved,
				"timestamps_rewritten", m.Rewritten,
			)
		}
	}

	cfg.Source.Logger = slog.Default()
	src, err := source.New(cfg.Source)
	if err != nil {
		fatal("version source init failed", err, "strategy", cfg.Source.Strategy)
	}

	dl, err := download.New(cfg.DownloadBaseURL, cfg.BinaryName, cfg.DownloadTimeout, nil)
	if err != nil {
		fatal("downloader init failed", err)
	}

	slog.Info(
		"patch downloader started",
		"base_dir", st.Base(),
		"interval", cfg.Interval,
		"source", cfg.Source.Strategy,
		"ledger", cfg.Ledger.Driver,
		"only_new_versions", cfg.OnlyNewVersions,
	)

	var events *eventlog.Logger
	if cfg.EventLogPath != "" {
		events, err = eventlog.New(cfg.EventLogPath)
		if err != nil {
			fatal("open ndjson event log failed", err, "path", cfg.EventLogPath)
		}
		defer func() { _ = events.Close() }()
		slog.Info("ndjson event log enabled", "path", cfg.EventLogPath)
	}

	deps := poller.Deps{
		Source:  src,
		Ledger:  ldg,
		Fetcher: dl,
		Store:   st,
		Events:  events,
	}

	// Mirror and notify are best-effort extras; a bad endpoint must not keep
	// the archiver from running.
	if cfg.Mirror.Enabled() {
		m, err := mirror.NewS3(ctx, cfg.Mirror)
		if err != nil {
			slog.Warn("s3 mirror disabled (init failed)", "bucket", cfg.Mirror.Bucket, "err", err)
		} else {
			deps.Mirror = m
			slog.Info("s3 mirror enabled", "bucket", cfg.Mirror.Bucket, "prefix", cfg.Mirror.Prefix)
		}
	}
	if cfg.NATSURL != "" {
		n, err := notify.Dial(cfg.NATSURL, cfg.NATSSubject, "patchvault "+runID)
		if err != nil {
			slog.Warn("nats notify disabled (connect failed)", "url", cfg.NATSURL, "err", err)
		} else {
			defer n.Close()
			deps.Notifier = n
			slog.Info("nats notify enabled", "subject", n.Subject())
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = poller.NewMetrics(reg)

	p, err := poller.New(poller.Config{
		Interval:        cfg.Interval,
		OnlyNewVersions: cfg.OnlyNewVersions,
		SizeWarnBytes:   cfg.SizeWarnBytes,
		RunID:           runID,
	}, deps)
	if err != nil {
		fatal("poller init failed", err)
	}

	if cfg.StatusPort != 0 {
		addr := fmt.Sprintf(":%d", cfg.StatusPort)
		if _, err := status.Start(ctx, addr, statusProvider(p, ldg), reg); err != nil {
			slog.Warn("status endpoint disabled (listen failed)", "port", cfg.StatusPort, "err", err)
		} else {
			slog.Info("status endpoint listening", "port", cfg.StatusPort)
		}
	}

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("poll loop error", err)
	}
	slog.Info("shutdown requested")
}

func statusProvider(p *poller.Poller, ldg ledger.Ledger) func(ctx context.Context) status.Data {
	return func(ctx context.Context) status.Data {
		d := status.Data{
			Service:    "patchvault",
			Version:    serviceVersion,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}
		if last, ok := p.Last(); ok {
			d.LastCheck = last.Finished.Format(poller.TimeLayout)
			d.LastOutcome = string(last.Outcome)
			d.LastVersion = last.Version
			if last.Err != nil {
				d.LastError = fmt.Sprintf("%s: %v", last.Kind, last.Err)
			}
			if last.CleanupErr != nil {
				d.CleanupError = last.CleanupErr.Error()
			}
		}
		if n, err := ldg.Count(ctx); err == nil {
			d.Recorded = n
		}
		if rec, ok, err := ldg.Latest(ctx); err == nil && ok {
			d.LatestVersion = rec.Version
			d.LatestArtifact = rec.ArtifactName
			d.LatestAt = rec.RecordedAt.UTC().Format(time.RFC3339)
		}
		return d
	}
}

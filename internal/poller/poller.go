package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"patchvault/internal/archive"
	"patchvault/internal/eventlog"
	"patchvault/internal/fault"
	"patchvault/internal/ledger"
	"patchvault/internal/notify"
	"patchvault/internal/proto"
	"patchvault/internal/store"
)

// TimeLayout is how wall-clock times appear in log lines and the status page.
const TimeLayout = "2006-01-02 03:04:05 PM"

type Source interface {
	Fetch(ctx context.Context) (string, error)
}

type Ledger interface {
	Exists(ctx context.Context, version string) (bool, error)
	Insert(ctx context.Context, rec ledger.Record) error
}

type Fetcher interface {
	ArtifactName(version string) string
	Fetch(ctx context.Context, version, dir string) (string, int64, error)
}

type Mirror interface {
	Upload(ctx context.Context, version, path string) error
}

type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

type Config struct {
	Interval time.Duration

	// OnlyNewVersions keeps skips and the next-check time out of the log.
	OnlyNewVersions bool

	// SizeWarnBytes is the compressed size above which a warning is logged.
	// Zero means store.DefaultSizeWarn.
	SizeWarnBytes int64

	RunID string
}

// Deps are the collaborators of the loop. Source, Ledger, Fetcher and Store
// are required; the rest are optional.
type Deps struct {
	Source  Source
	Ledger  Ledger
	Fetcher Fetcher
	Store   *store.Store

	Mirror   Mirror
	Notifier Notifier
	Events   *eventlog.Logger
	Metrics  *Metrics
	Clock    Clock
	Logger   *slog.Logger
}

type Poller struct {
	cfg Config

	src     Source
	ledger  Ledger
	fetcher Fetcher
	store   *store.Store

	mirror   Mirror
	notifier Notifier
	events   *eventlog.Logger
	metrics  *Metrics
	clock    Clock
	log      *slog.Logger

	mu      sync.RWMutex
	last    CycleResult
	hasLast bool
}

func New(cfg Config, deps Deps) (*Poller, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("poller: version source is nil")
	case deps.Ledger == nil:
		return nil, errors.New("poller: ledger is nil")
	case deps.Fetcher == nil:
		return nil, errors.New("poller: downloader is nil")
	case deps.Store == nil:
		return nil, errors.New("poller: store is nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poller: interval must be positive, got %s", cfg.Interval)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		src:      deps.Source,
		ledger:   deps.Ledger,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		mirror:   deps.Mirror,
		notifier: deps.Notifier,
		events:   deps.Events,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Logger,
	}, nil
}

// Last returns the result of the most recent cycle.
func (p *Poller) Last() (CycleResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.hasLast
}

// Run performs cycles until ctx is cancelled, sleeping Interval between the
// end of one cycle and the start of the next. It only returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	p.events.Log(eventlog.Record{
		RunID:     p.cfg.RunID,
		Timestamp: proto.NowTS(),
		Type:      "startup",
		Message:   fmt.Sprintf("interval=%s", p.cfg.Interval),
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.RunCycle(ctx)

		next := p.clock.Now().Add(p.cfg.Interval)
		if !p.cfg.OnlyNewVersions {
			p.log.Info("next check scheduled", "next_check", next.Format(TimeLayout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

// RunCycle performs one fetch, check, process and cleanup pass. Failures are
// reported in the result and never propagate.
func (p *Poller) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{Started: p.clock.Now()}

	p.process(ctx, &res)

	if err := p.store.PurgeWorkspace(); err != nil {
		res.CleanupErr = err
		p.log.Error("failed to clear download folder", "err", err, "kind", fault.KindOf(err).String())
	}
	res.Finished = p.clock.Now()

	p.report(res)

	p.mu.Lock()
	p.last, p.hasLast = res, true
	p.mu.Unlock()
	return res
}

func (p *Poller) process(ctx context.Context, res *CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			res.fail(fmt.Errorf("panic in cycle: %v", r))
		}
	}()
	if err := p.reconcile(ctx, res); err != nil {
		res.fail(err)
	}
}

func (p *Poller) reconcile(ctx context.Context, res *CycleResult) error {
	version, err := p.src.Fetch(ctx)
	if err != nil {
		if fault.KindOf(err) == fault.KindUnclassified {
			err = fault.Transport("fetch version", err)
		}
		return err
	}
	res.Version = version

	known, err := p.ledger.Exists(ctx, version)
	if err != nil {
		return err
	}
	if known {
		res.Outcome = OutcomeSkipped
		if !p.store.Stored(version) {
			p.log.Warn("version is recorded but its archive is missing from storage", "version", version, "archive", p.store.StoredPath(version))
		}
		return nil
	}

	res.ArtifactName = p.fetcher.ArtifactName(version)
	zipName := store.ArchiveName(version)
	zipPath := p.store.WorkspacePath(zipName)

	resumed, err := p.resume(res, zipPath)
	if err != nil {
		return err
	}
	if !resumed {
		rawPath, n, err := p.fetcher.Fetch(ctx, version, p.store.Workspace())
		if err != nil {
			return err
		}
		res.DownloadedBytes = n

		size, err := archive.Compress(rawPath, zipPath, res.ArtifactName)
		if err != nil {
			return err
		}
		res.CompressedSize = size
	}

	if store.Oversize(res.CompressedSize, p.cfg.SizeWarnBytes) {
		res.Oversize = true
		p.log.Warn("compressed file is larger than the size threshold",
			"archive", zipName,
			"bytes", res.CompressedSize,
			"threshold", sizeWarn(p.cfg.SizeWarnBytes),
		)
	}

	rec := ledger.Record{Version: version, ArtifactName: res.ArtifactName, RecordedAt: p.clock.Now()}
	if err := p.ledger.Insert(ctx, rec); err != nil {
		return err
	}
	res.RecordedAt = rec.RecordedAt

	dst, err := p.store.Finalize(zipPath, version)
	if err != nil {
		return err
	}
	res.StoredPath = dst
	if resumed {
		res.Outcome = OutcomeResumed
	} else {
		res.Outcome = OutcomeStored
	}

	p.publish(ctx, *res)
	return nil
}

// resume checks for an archive left in the workspace by a run that stopped
// before cleanup. A sound one is reused; anything else is removed so the
// version is downloaded again.
func (p *Poller) resume(res *CycleResult, zipPath string) (bool, error) {
	if !p.store.WorkspaceHas(store.ArchiveName(res.Version)) {
		return false, nil
	}
	if err := archive.Check(zipPath, res.ArtifactName); err != nil {
		p.log.Warn("discarding unusable archive left in download folder", "version", res.Version, "err", err)
		if err := os.Remove(zipPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fault.Storage("discard stale archive", err)
		}
		return false, nil
	}
	fi, err := os.Stat(zipPath)
	if err != nil {
		return false, fault.Storage("stat stale archive", err)
	}
	res.CompressedSize = fi.Size()
	p.log.Info("ZIP file already exists; resuming from it", "version", res.Version, "bytes", res.CompressedSize)
	return true, nil
}

// publish runs the optional post-settle steps. The version is already in the
// ledger and the store, so their failures are logged and counted only.
func (p *Poller) publish(ctx context.Context, res CycleResult) {
	if p.mirror != nil {
		if err := p.mirror.Upload(ctx, res.Version, res.StoredPath); err != nil {
			p.metrics.mirrorFailures.Inc()
			p.log.Warn("mirror upload failed", "version", res.Version, "err", err, "kind", fault.KindOf(err).String())
		}
	}
	if p.notifier != nil {
		err := p.notifier.Publish(ctx, notify.Event{
			Version:         res.Version,
			ArtifactName:    res.ArtifactName,
			Archive:         res.StoredPath,
			CompressedBytes: res.CompressedSize,
			RecordedAt:      res.RecordedAt.UTC(),
			RunID:           p.cfg.RunID,
		})
		if err != nil {
			p.metrics.notifyFailures.Inc()
			p.log.Warn("new version notification failed", "version", res.Version, "err", err)
		}
	}
}

func (p *Poller) report(res CycleResult) {
	switch res.Outcome {
	case OutcomeStored, OutcomeResumed:
		p.log.Info("new version downloaded and stored",
			"version", res.Version,
			"archive", res.StoredPath,
			"bytes", res.CompressedSize,
			"outcome", string(res.Outcome),
		)
	case OutcomeSkipped:
		if !p.cfg.OnlyNewVersions {
			p.log.Info("version already exists in the database", "version", res.Version)
		}
	case OutcomeFailed:
		attrs := []any{"err", res.Err, "kind", res.Kind.String()}
		if res.Version != "" {
			attrs = append(attrs, "version", res.Version)
		}
		switch res.Kind {
		case fault.KindTransport:
			p.log.Warn("failed to reach the patch server or download the file", attrs...)
		case fault.KindStorage:
			p.log.Error("failed to persist patch data", attrs...)
		default:
			p.log.Error("cycle failed", attrs...)
		}
	}

	p.metrics.observe(res)

	rec := eventlog.Record{
		RunID:     p.cfg.RunID,
		Timestamp: proto.NowTS(),
		Type:      "cycle",
		Version:   res.Version,
		Outcome:   string(res.Outcome),
		Artifact:  res.ArtifactName,
		Bytes:     res.CompressedSize,
		Millis:    res.Finished.Sub(res.Started).Milliseconds(),
	}
	if res.Outcome == OutcomeFailed {
		rec.Kind = res.Kind.String()
		rec.Message = res.Err.Error()
	}
	p.events.Log(rec)
}

func sizeWarn(limit int64) int64 {
	if limit <= 0 {
		return store.DefaultSizeWarn
	}
	return limit
}

package poller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchvault/internal/archive"
	"patchvault/internal/download"
	"patchvault/internal/fault"
	"patchvault/internal/ledger"
	"patchvault/internal/notify"
	"patchvault/internal/store"
)

type fakeSource struct {
	version string
	err     error
	panics  bool
	calls   int
}

func (f *fakeSource) Fetch(context.Context) (string, error) {
	f.calls++
	if f.panics {
		panic("boom")
	}
	return f.version, f.err
}

type memLedger struct {
	mu        sync.Mutex
	recs      map[string]ledger.Record
	inserts   int
	insertErr error
}

func newMemLedger() *memLedger { return &memLedger{recs: map[string]ledger.Record{}} }

func (l *memLedger) Exists(_ context.Context, v string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.recs[v]
	return ok, nil
}

func (l *memLedger) Insert(_ context.Context, rec ledger.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	l.inserts++
	l.recs[rec.Version] = rec
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
func (c fixedClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type fixture struct {
	src     *fakeSource
	ledger  *memLedger
	store   *store.Store
	hits    *atomic.Int64
	status  int
	logs    *bytes.Buffer
	metrics *Metrics
	poller  *Poller
	now     time.Time
}

// newFixture wires a poller against a temp store and an httptest patch CDN
// that serves body for any path.
func newFixture(t *testing.T, body []byte, cfg Config, mut func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		src:    &fakeSource{version: "3.25.1.2"},
		ledger: newMemLedger(),
		hits:   &atomic.Int64{},
		status: http.StatusOK,
		logs:   &bytes.Buffer{},
		now:    time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	dl, err := download.New(srv.URL, "PathOfExile.exe", time.Minute, srv.Client())
	require.NoError(t, err)

	f.store, err = store.Open(filepath.Join(t.TempDir(), "pathofexile_patches"))
	require.NoError(t, err)

	f.metrics = NewMetrics(prometheus.NewRegistry())
	deps := Deps{
		Source:  f.src,
		Ledger:  f.ledger,
		Fetcher: dl,
		Store:   f.store,
		Metrics: f.metrics,
		Clock:   fixedClock{now: f.now},
		Logger:  slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	if mut != nil {
		mut(&deps)
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	f.poller, err = New(cfg, deps)
	require.NoError(t, err)
	return f
}

func assertWorkspaceEmpty(t *testing.T, s *store.Store) {
	t.Helper()
	entries, err := os.ReadDir(s.Workspace())
	require.NoError(t, err)
	assert.Empty(t, entries, "download folder should be empty after a cycle")
}

func storedFiles(t *testing.T, s *store.Store) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Base(), store.StoredDir))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunCycle_NewVersionIsStoredOnce(t *testing.T) {
	body := bytes.Repeat([]byte("MZ client binary "), 1024)
	f := newFixture(t, body, Config{OnlyNewVersions: true}, nil)

	res := f.poller.RunCycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.Equal(t, "3.25.1.2", res.Version)
	assert.Equal(t, "PathOfExile_3.25.1.2.exe", res.ArtifactName)
	assert.EqualValues(t, len(body), res.DownloadedBytes)

	require.Len(t, f.ledger.recs, 1)
	rec := f.ledger.recs["3.25.1.2"]
	assert.Equal(t, "PathOfExile_3.25.1.2.exe", rec.ArtifactName)
	assert.True(t, rec.RecordedAt.Equal(f.now))

	assert.Equal(t, []string{"3.25.1.2.zip"}, storedFiles(t, f.store))
	assert.Equal(t, f.store.StoredPath("3.25.1.2"), res.StoredPath)
	assert.NoError(t, archive.Check(res.StoredPath, "PathOfExile_3.25.1.2.exe"))
	assertWorkspaceEmpty(t, f.store)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.cycles.WithLabelValues("stored")))
	assert.Contains(t, f.logs.String(), "new version downloaded and stored")
}

func TestRunCycle_KnownVersionIsIdempotent(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{OnlyNewVersions: false}, nil)
	f.ledger.recs["3.25.1.2"] = ledger.Record{Version: "3.25.1.2", ArtifactName: "PathOfExile_3.25.1.2.exe", RecordedAt: f.now}
	require.NoError(t, os.WriteFile(f.store.StoredPath("3.25.1.2"), []byte("original"), 0o644))

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, f.hits.Load(), "no download for a recorded version")
	assert.Zero(t, f.ledger.inserts)

	b, err := os.ReadFile(f.store.StoredPath("3.25.1.2"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(b))
	assertWorkspaceEmpty(t, f.store)
	assert.Contains(t, f.logs.String(), "already exists in the database")
}

func TestRunCycle_CleanupFailureIsReportedNotFatal(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{}, nil)
	f.ledger.recs["3.25.1.2"] = ledger.Record{Version: "3.25.1.2"}
	require.NoError(t, os.WriteFile(f.store.StoredPath("3.25.1.2"), []byte("z"), 0o644))
	require.NoError(t, os.RemoveAll(f.store.Workspace()))

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	require.Error(t, res.CleanupErr)
	assert.Equal(t, fault.KindStorage, fault.KindOf(res.CleanupErr))
	assert.Contains(t, f.logs.String(), "failed to clear download folder")

	last, ok := f.poller.Last()
	require.True(t, ok)
	assert.Equal(t, res.CleanupErr, last.CleanupErr)
}

func TestRunCycle_SkipIsQuietWhenOnlyNewVersions(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{OnlyNewVersions: true}, nil)
	f.ledger.recs["3.25.1.2"] = ledger.Record{Version: "3.25.1.2"}
	require.NoError(t, os.WriteFile(f.store.StoredPath("3.25.1.2"), []byte("z"), 0o644))

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.NotContains(t, f.logs.String(), "already exists")
}

func TestRunCycle_OversizeWarnsButStores(t *testing.T) {
	f := newFixture(t, bytes.Repeat([]byte{0x5a}, 4096), Config{SizeWarnBytes: 16}, nil)

	res := f.poller.RunCycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.True(t, res.Oversize)
	assert.FileExists(t, f.store.StoredPath("3.25.1.2"))
	assert.Contains(t, f.logs.String(), "larger than the size threshold")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.oversize))
}

func TestRunCycle_SourceFailureChangesNothing(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{}, nil)
	f.src.err = fault.Transport("direct fetch", errors.New("connection refused"))
	// A leftover from an earlier crash must still be purged.
	require.NoError(t, os.WriteFile(f.store.WorkspacePath("PathOfExile_1.exe"), []byte("x"), 0o644))

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, fault.KindTransport, res.Kind)
	assert.Empty(t, f.ledger.recs)
	assert.Empty(t, storedFiles(t, f.store))
	assert.Zero(t, f.hits.Load())
	assertWorkspaceEmpty(t, f.store)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.errors.WithLabelValues("transport")))
}

func TestRunCycle_UnclassifiedSourceErrorIsTransport(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{}, nil)
	f.src.err = io.ErrUnexpectedEOF

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, fault.KindTransport, res.Kind)
	assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
}

func TestRunCycle_DownloadFailure(t *testing.T) {
	f := newFixture(t, nil, Config{}, nil)
	f.status = http.StatusNotFound

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, fault.KindTransport, res.Kind)
	assert.Empty(t, f.ledger.recs)
	assert.Empty(t, storedFiles(t, f.store))
	assertWorkspaceEmpty(t, f.store)
}

func TestRunCycle_LedgerFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{}, nil)
	f.ledger.insertErr = fault.Storage("ledger insert", errors.New("disk I/O error"))

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, fault.KindStorage, res.Kind)
	assert.Empty(t, storedFiles(t, f.store), "finalize must not run before the record is written")
	assertWorkspaceEmpty(t, f.store)
	assert.Contains(t, f.logs.String(), "failed to persist patch data")

	// The next cycle retries from scratch and succeeds.
	f.ledger.insertErr = nil
	res = f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.Equal(t, []string{"3.25.1.2.zip"}, storedFiles(t, f.store))
}

func TestRunCycle_PanicIsUnclassified(t *testing.T) {
	f := newFixture(t, []byte("bin"), Config{}, nil)
	f.src.panics = true

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, fault.KindUnclassified, res.Kind)
	assert.Contains(t, f.logs.String(), "cycle failed")
	assertWorkspaceEmpty(t, f.store)
}

func TestRunCycle_ResumesFromSoundLeftoverArchive(t *testing.T) {
	f := newFixture(t, []byte("fresh"), Config{}, nil)

	raw := f.store.WorkspacePath("PathOfExile_3.25.1.2.exe")
	require.NoError(t, os.WriteFile(raw, []byte("from the interrupted run"), 0o644))
	_, err := archive.Compress(raw, f.store.WorkspacePath("3.25.1.2.zip"), "PathOfExile_3.25.1.2.exe")
	require.NoError(t, err)

	res := f.poller.RunCycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeResumed, res.Outcome)
	assert.Zero(t, f.hits.Load())
	assert.Len(t, f.ledger.recs, 1)
	assert.NoError(t, archive.Check(f.store.StoredPath("3.25.1.2"), "PathOfExile_3.25.1.2.exe"))
	assertWorkspaceEmpty(t, f.store)
}

func TestRunCycle_ReplacesCorruptLeftoverArchive(t *testing.T) {
	f := newFixture(t, []byte("fresh"), Config{}, nil)
	require.NoError(t, os.WriteFile(f.store.WorkspacePath("3.25.1.2.zip"), []byte("PK half written"), 0o644))

	res := f.poller.RunCycle(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.EqualValues(t, 1, f.hits.Load())
	assert.Contains(t, f.logs.String(), "discarding unusable archive")
}

type failingMirror struct{ calls int }

func (m *failingMirror) Upload(context.Context, string, string) error {
	m.calls++
	return fault.Transport("mirror upload", errors.New("bucket unreachable"))
}

type recordingNotifier struct{ events []notify.Event }

func (n *recordingNotifier) Publish(_ context.Context, ev notify.Event) error {
	n.events = append(n.events, ev)
	return nil
}

func TestRunCycle_PostSettleStepsAreNonFatal(t *testing.T) {
	m := &failingMirror{}
	n := &recordingNotifier{}
	f := newFixture(t, []byte("bin"), Config{RunID: "run-test"}, func(d *Deps) {
		d.Mirror = m
		d.Notifier = n
	})

	res := f.poller.RunCycle(context.Background())
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.mirrorFailures))

	require.Len(t, n.events, 1)
	assert.Equal(t, "3.25.1.2", n.events[0].Version)
	assert.Equal(t, res.StoredPath, n.events[0].Archive)
	assert.Equal(t, "run-test", n.events[0].RunID)
}

func TestRunCycle_LedgerSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "patchdatabase.db")
	sq, err := ledger.OpenSQLite(dbPath)
	require.NoError(t, err)

	f := newFixture(t, []byte("bin"), Config{}, func(d *Deps) { d.Ledger = sq })
	res := f.poller.RunCycle(context.Background())
	require.Equal(t, OutcomeStored, res.Outcome)
	require.NoError(t, sq.Close())

	reopened, err := ledger.OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	p2, err := New(Config{Interval: time.Minute}, Deps{
		Source:  f.src,
		Ledger:  reopened,
		Fetcher: f.poller.fetcher,
		Store:   f.store,
		Clock:   fixedClock{now: f.now},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	res = p2.RunCycle(context.Background())
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.EqualValues(t, 1, f.hits.Load())
}

// countingClock cancels the run after a fixed number of sleeps.
type countingClock struct {
	now    time.Time
	sleeps int
	limit  int
	cancel context.CancelFunc
	waits  []time.Duration
}

func (c *countingClock) Now() time.Time { return c.now }
func (c *countingClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	c.sleeps++
	ch := make(chan time.Time, 1)
	if c.sleeps >= c.limit {
		c.cancel()
		return ch
	}
	ch <- c.now
	return ch
}

func TestRun_CyclesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &countingClock{now: time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC), limit: 3, cancel: cancel}

	f := newFixture(t, []byte("bin"), Config{Interval: 90 * time.Second}, func(d *Deps) { d.Clock = clock })
	f.src.err = fault.Transport("direct fetch", errors.New("refused"))

	err := f.poller.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, f.src.calls, "one cycle per sleep, failures do not stop the loop")
	assert.Equal(t, []time.Duration{90 * time.Second, 90 * time.Second, 90 * time.Second}, clock.waits)
	assert.True(t, strings.Contains(f.logs.String(), "next check scheduled"))

	last, ok := f.poller.Last()
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, last.Outcome)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Interval: time.Minute}, Deps{})
	assert.Error(t, err)

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	dl, err := download.New("https://patch.poecdn.com", "PathOfExile.exe", 0, nil)
	require.NoError(t, err)
	_, err = New(Config{}, Deps{Source: &fakeSource{}, Ledger: newMemLedger(), Fetcher: dl, Store: s})
	assert.Error(t, err, "zero interval")
}

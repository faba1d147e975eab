package poller

import (
	"time"

	"patchvault/internal/fault"
)

type Outcome string

const (
	// OutcomeStored: a new version was downloaded, recorded and finalized.
	OutcomeStored Outcome = "stored"
	// OutcomeResumed: a sound archive left by an interrupted run was recorded
	// and finalized without downloading again.
	OutcomeResumed Outcome = "resumed"
	// OutcomeSkipped: the version is already in the ledger.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed: the cycle produced nothing; Kind says why.
	OutcomeFailed Outcome = "failed"
)

// CycleResult describes one pass through the loop.
type CycleResult struct {
	Outcome Outcome
	Version string

	ArtifactName    string
	StoredPath      string
	DownloadedBytes int64
	CompressedSize  int64
	Oversize        bool
	RecordedAt      time.Time

	Kind fault.Kind
	Err  error

	// CleanupErr is set when purging the workspace failed. It does not turn a
	// successful cycle into a failed one.
	CleanupErr error

	Started  time.Time
	Finished time.Time
}

func (r *CycleResult) fail(err error) {
	r.Outcome = OutcomeFailed
	r.Err = err
	r.Kind = fault.KindOf(err)
}

// Settled reports whether the cycle ended with the version in both the ledger
// and the store.
func (r CycleResult) Settled() bool {
	return r.Outcome == OutcomeStored || r.Outcome == OutcomeResumed
}

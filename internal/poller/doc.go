// Package poller is the version reconciliation loop.
//
// Each cycle asks the version source for the current version, checks the
// ledger, and for an unseen version runs download, compress, record and
// finalize in that order. The workspace is purged at the end of every cycle
// whatever happened. RunCycle performs exactly one cycle; Run repeats it on
// an interval until the context is cancelled. No cycle error stops Run.
package poller

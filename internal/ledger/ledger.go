// Package ledger is the durable record of versions that have been archived.
//
// The version string is the natural key: a ledger holds at most one record per
// version and never updates or deletes one. The poll loop re-reads the ledger
// every cycle and keeps no copy of it in memory.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Record struct {
	Version      string
	ArtifactName string
	RecordedAt   time.Time
}

// Ledger is implemented by the SQLite and PostgreSQL backends. Every error
// returned is a fault.KindStorage error.
type Ledger interface {
	Exists(ctx context.Context, version string) (bool, error)
	Insert(ctx context.Context, rec Record) error
	Latest(ctx context.Context) (Record, bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open returns the backend named by cfg.Driver with its schema in place.
func Open(ctx context.Context, cfg Config) (Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func (r Record) validate() error {
	if r.Version == "" {
		return fmt.Errorf("record version is empty")
	}
	if r.ArtifactName == "" {
		return fmt.Errorf("record artifact name is empty")
	}
	if r.RecordedAt.IsZero() {
		return fmt.Errorf("record timestamp is zero")
	}
	return nil
}

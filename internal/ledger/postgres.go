package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"patchvault/internal/fault"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS patch (
	version       TEXT PRIMARY KEY,
	artifact_name TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
)`

// Postgres stores the ledger in a shared database, for deployments that
// already run one next to the archive host.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres ledger dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fault.Storage("open ledger", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fault.Storage("open ledger", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fault.Storage("create ledger schema", err)
	}
	return &Postgres{pool: pool}, nil
}

func (l *Postgres) Exists(ctx context.Context, version string) (bool, error) {
	var found bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patch WHERE version = $1)`, version).Scan(&found)
	if err != nil {
		return false, fault.Storage("ledger lookup", err)
	}
	return found, nil
}

func (l *Postgres) Insert(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return fault.Storage("ledger insert", err)
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO patch (version, artifact_name, recorded_at) VALUES ($1, $2, $3)`,
		rec.Version, rec.ArtifactName, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fault.Storage("ledger insert", fmt.Errorf("version %s: %w", rec.Version, err))
	}
	return nil
}

func (l *Postgres) Latest(ctx context.Context) (Record, bool, error) {
	var rec Record
	err := l.pool.QueryRow(ctx,
		`SELECT version, artifact_name, recorded_at FROM patch ORDER BY recorded_at DESC LIMIT 1`,
	).Scan(&rec.Version, &rec.ArtifactName, &rec.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fault.Storage("ledger latest", err)
	}
	return rec, true, nil
}

func (l *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patch`).Scan(&n); err != nil {
		return 0, fault.Storage("ledger count", err)
	}
	return n, nil
}

func (l *Postgres) Close() error {
	l.pool.Close()
	return nil
}

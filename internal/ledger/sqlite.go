package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"patchvault/internal/fault"
)

// recordedAtLayout is fixed width so recorded_at sorts as text.
const recordedAtLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patch (
	version       TEXT NOT NULL,
	artifact_name TEXT NOT NULL,
	recorded_at   TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS patch_version_idx ON patch(version);
`

// SQLite keeps the ledger in a single database file. One connection is
// shared; mu serializes the poll loop with status-page readers.
type SQLite struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	path      string
	migration Migration
}

// Migration describes what OpenSQLite changed in an existing database.
type Migration struct {
	// Legacy is set when the patch table used the exe_name/date_time columns
	// and was renamed in place.
	Legacy bool
	// DuplicatesRemoved counts extra rows for an already-recorded version. The
	// earliest row per version is kept.
	DuplicatesRemoved int
	// Rewritten counts recorded_at values converted to the current layout.
	Rewritten int
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite ledger path is empty")
	}
	conn, err := sqlite.OpenConn(path)
	if err != nil {
		return nil, fault.Storage("open ledger", fmt.Errorf("%s: %w", path, err))
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			_ = conn.Close()
			return nil, fault.Storage("open ledger", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	m, err := migrate(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fault.Storage("migrate ledger", fmt.Errorf("%s: %w", path, err))
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		_ = conn.Close()
		return nil, fault.Storage("create ledger schema", err)
	}
	return &SQLite{conn: conn, path: path, migration: m}, nil
}

// Migration reports the changes made to the database when it was opened.
func (l *SQLite) Migration() Migration { return l.migration }

// migrate brings an existing patch table to the current schema before the
// unique index is created. A missing table is left to the schema script.
func migrate(conn *sqlite.Conn) (m Migration, err error) {
	cols, err := tableColumns(conn, "patch")
	if err != nil || len(cols) == 0 {
		return m, err
	}
	legacy := cols["exe_name"] && cols["date_time"]
	if !legacy && !(cols["version"] && cols["artifact_name"] && cols["recorded_at"]) {
		return m, fmt.Errorf("patch table has unrecognized columns %v", columnNames(cols))
	}

	defer sqlitex.Save(conn)(&err)

	if legacy {
		m.Legacy = true
		for _, stmt := range []string{
			"ALTER TABLE patch RENAME COLUMN exe_name TO artifact_name",
			"ALTER TABLE patch RENAME COLUMN date_time TO recorded_at",
		} {
			if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
				return m, fmt.Errorf("%s: %w", stmt, err)
			}
		}
	}

	err = sqlitex.ExecuteTransient(conn,
		`DELETE FROM patch WHERE rowid NOT IN (SELECT MIN(rowid) FROM patch GROUP BY version)`, nil)
	if err != nil {
		return m, fmt.Errorf("remove duplicate versions: %w", err)
	}
	m.DuplicatesRemoved = conn.Changes()

	m.Rewritten, err = normalizeRecordedAt(conn)
	return m, err
}

func tableColumns(conn *sqlite.Conn, table string) (map[string]bool, error) {
	cols := map[string]bool{}
	err := sqlitex.ExecuteTransient(conn, "PRAGMA table_info("+table+")", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cols[stmt.ColumnText(1)] = true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read %s columns: %w", table, err)
	}
	return cols, nil
}

func columnNames(cols map[string]bool) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// normalizeRecordedAt rewrites every recorded_at that is not already in
// recordedAtLayout, so ordering by the column matches time order.
func normalizeRecordedAt(conn *sqlite.Conn) (int, error) {
	type row struct {
		id int64
		at string
	}
	var stale []row
	err := sqlitex.Execute(conn, `SELECT rowid, recorded_at FROM patch`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw := stmt.ColumnText(1)
			t, err := parseRecordedAt(raw)
			if err != nil {
				return fmt.Errorf("row %d: %w", stmt.ColumnInt64(0), err)
			}
			if at := formatRecordedAt(t); at != raw {
				stale = append(stale, row{id: stmt.ColumnInt64(0), at: at})
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		err := sqlitex.Execute(conn, `UPDATE patch SET recorded_at = ? WHERE rowid = ?`, &sqlitex.ExecOptions{
			Args: []any{r.at, r.id},
		})
		if err != nil {
			return 0, fmt.Errorf("rewrite recorded_at of row %d: %w", r.id, err)
		}
	}
	return len(stale), nil
}

func formatRecordedAt(t time.Time) string {
	return t.UTC().Format(recordedAtLayout)
}

func (l *SQLite) Exists(ctx context.Context, version string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetInterrupt(ctx.Done())
	defer l.conn.SetInterrupt(nil)

	found := false
	err := sqlitex.Execute(l.conn, `SELECT 1 FROM patch WHERE version = ? LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{version},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fault.Storage("ledger lookup", err)
	}
	return found, nil
}

func (l *SQLite) Insert(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return fault.Storage("ledger insert", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetInterrupt(ctx.Done())
	defer l.conn.SetInterrupt(nil)

	err := sqlitex.Execute(l.conn, `INSERT INTO patch (version, artifact_name, recorded_at) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{rec.Version, rec.ArtifactName, formatRecordedAt(rec.RecordedAt)},
	})
	if err != nil {
		return fault.Storage("ledger insert", fmt.Errorf("version %s: %w", rec.Version, err))
	}
	return nil
}

func (l *SQLite) Latest(ctx context.Context) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetInterrupt(ctx.Done())
	defer l.conn.SetInterrupt(nil)

	var (
		rec     Record
		found   bool
		scanErr error
	)
	err := sqlitex.Execute(l.conn, `SELECT version, artifact_name, recorded_at FROM patch ORDER BY recorded_at DESC, rowid DESC LIMIT 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			rec.Version = stmt.ColumnText(0)
			rec.ArtifactName = stmt.ColumnText(1)
			rec.RecordedAt, scanErr = parseRecordedAt(stmt.ColumnText(2))
			return nil
		},
	})
	if err != nil {
		return Record{}, false, fault.Storage("ledger latest", err)
	}
	if scanErr != nil {
		return Record{}, false, fault.Storage("ledger latest", scanErr)
	}
	return rec, found, nil
}

func (l *SQLite) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetInterrupt(ctx.Done())
	defer l.conn.SetInterrupt(nil)

	n := 0
	err := sqlitex.Execute(l.conn, `SELECT COUNT(*) FROM patch`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fault.Storage("ledger count", err)
	}
	return n, nil
}

func (l *SQLite) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fault.Storage("close ledger", err)
	}
	return nil
}

// parseRecordedAt accepts RFC 3339 and the "2006-01-02 15:04:05.999999"
// local-time layout of ledgers written before the column was renamed.
func parseRecordedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05.999999", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse recorded_at %q: %w", s, err)
	}
	return t, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open connects to the configured backend and ensures the schema exists.
// driver is "sqlite" (dsn may be a bare file path or ":memory:") or
// "postgres" (a pgx connection string).
func Open(ctx context.Context, driver, dsn string) (*SQLRepo, error) {
	var (
		db  *sql.DB
		d   Dialect
		err error
	)
	switch Dialect(driver) {
	case SQLite, "":
		d = SQLite
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
	case Postgres:
		d = Postgres
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	if err := EnsureSchema(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, d), nil
}

func sqliteDSN(path string) string {
	switch {
	case path == "" || path == ":memory:":
		return "file::memory:?_pragma=foreign_keys(1)"
	case strings.HasPrefix(path, "file:"):
		return path
	default:
		return fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	}
}

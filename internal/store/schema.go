package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL,
  payload BLOB,
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('ONCE','INTERVAL','CRON')),
  cron_expr TEXT NOT NULL DEFAULT '',
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('ACTIVE','PAUSED','COMPLETED')) DEFAULT 'ACTIVE',
  next_run_time TEXT,
  last_run_time TEXT,
  notify_on_success INTEGER NOT NULL DEFAULT 0,
  notify_on_failure INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_run_time);
CREATE TABLE IF NOT EXISTS task_execution_logs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
  status TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','SUCCESS','FAILED')),
  scheduled_for TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_execution_logs_task ON task_execution_logs(task_id, created_at);
CREATE TABLE IF NOT EXISTS task_notification_settings (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
  notification_type TEXT NOT NULL,
  target TEXT NOT NULL DEFAULT '',
  is_enabled INTEGER NOT NULL DEFAULT 1,
  notify_on_success INTEGER NOT NULL DEFAULT 0,
  notify_on_failure INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_notification_settings_task ON task_notification_settings(task_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL,
  payload BYTEA,
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('ONCE','INTERVAL','CRON')),
  cron_expr TEXT NOT NULL DEFAULT '',
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('ACTIVE','PAUSED','COMPLETED')) DEFAULT 'ACTIVE',
  next_run_time TIMESTAMPTZ,
  last_run_time TIMESTAMPTZ,
  notify_on_success BOOLEAN NOT NULL DEFAULT FALSE,
  notify_on_failure BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_run_time);
CREATE TABLE IF NOT EXISTS task_execution_logs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
  status TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','SUCCESS','FAILED')),
  scheduled_for TIMESTAMPTZ NOT NULL,
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_execution_logs_task ON task_execution_logs(task_id, created_at);
CREATE TABLE IF NOT EXISTS task_notification_settings (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
  notification_type TEXT NOT NULL,
  target TEXT NOT NULL DEFAULT '',
  is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
  notify_on_success BOOLEAN NOT NULL DEFAULT FALSE,
  notify_on_failure BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_notification_settings_task ON task_notification_settings(task_id);
`

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	schema := sqliteSchema
	if d == Postgres {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure %s schema: %w", d, err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteTimeFormat is fixed-width so stored values sort and compare as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// timeArg encodes a timestamp for the backend.
func (d Dialect) timeArg(t time.Time) any {
	t = normalize(t)
	if d == Postgres {
		return t
	}
	return t.Format(sqliteTimeFormat)
}

func (d Dialect) timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// normalize drops sub-microsecond precision, which postgres cannot store.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// dbTime scans a timestamp stored either natively or as RFC3339 text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

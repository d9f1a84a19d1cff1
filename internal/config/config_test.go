package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Scheduler.Interval.D() != time.Minute || cfg.Notify.Policy != "task" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "testhub.toml", `
[database]
driver = "postgres"
dsn = "postgres://localhost/testhub"

[scheduler]
interval = "15s"
workers = 8

[scheduler.lease]
enabled = true
ttl = "45s"

[notify]
policy = "any"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/testhub" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Scheduler.Interval.D() != 15*time.Second || cfg.Scheduler.Workers != 8 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Scheduler.Lease.Enabled || cfg.Scheduler.Lease.TTL.D() != 45*time.Second || cfg.Scheduler.Lease.RedisAddr != "localhost:6379" {
		t.Errorf("lease = %+v", cfg.Scheduler.Lease)
	}
	if cfg.Notify.Policy != "any" {
		t.Errorf("policy = %q", cfg.Notify.Policy)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "testhub.yaml", `
scheduler:
  interval: 2m
  execution_timeout: 30s
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Interval.D() != 2*time.Minute || cfg.Scheduler.ExecutionTimeout.D() != 30*time.Second {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TESTHUB_POLL_INTERVAL", "5s")
	t.Setenv("TESTHUB_NOTIFY_POLICY", "all")
	t.Setenv("TESTHUB_WORKERS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Interval.D() != 5*time.Second {
		t.Errorf("interval = %s", cfg.Scheduler.Interval)
	}
	if cfg.Notify.Policy != "all" {
		t.Errorf("policy = %q", cfg.Notify.Policy)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("workers = %d, want default 4", cfg.Scheduler.Workers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad.toml":  "[database]\ndriver = \"mysql\"\n",
		"bad2.toml": "[scheduler]\ninterval = \"soon\"\n",
		"bad3.yaml": "notify:\n  policy: sometimes\n",
		"bad.json":  "{}",
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, name, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	Database  DatabaseConfig  `toml:"database" yaml:"database"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	HTTP      HTTPConfig      `toml:"http" yaml:"http"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // sqlite or postgres
	DSN    string `toml:"dsn" yaml:"dsn"`
}

type SchedulerConfig struct {
	Interval         Duration    `toml:"interval" yaml:"interval"`
	Once             bool        `toml:"once" yaml:"once"`
	Workers          int         `toml:"workers" yaml:"workers"`
	ExecutionTimeout Duration    `toml:"execution_timeout" yaml:"execution_timeout"`
	Lease            LeaseConfig `toml:"lease" yaml:"lease"`
}

// LeaseConfig enables the Redis lease that keeps a single instance polling.
type LeaseConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	RedisAddr     string   `toml:"redis_addr" yaml:"redis_addr"`
	RedisPassword string   `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int      `toml:"redis_db" yaml:"redis_db"`
	Key           string   `toml:"key" yaml:"key"`
	TTL           Duration `toml:"ttl" yaml:"ttl"`
}

type HTTPConfig struct {
	Addr  string `toml:"addr" yaml:"addr"`
	Debug bool   `toml:"debug" yaml:"debug"`
}

type NotifyConfig struct {
	Policy         string   `toml:"policy" yaml:"policy"`
	WebhookTimeout Duration `toml:"webhook_timeout" yaml:"webhook_timeout"`
	RatePerSec     int      `toml:"rate_per_sec" yaml:"rate_per_sec"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // console or json
}

// Default returns a Config with local development defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./data/testhub.db",
		},
		Scheduler: SchedulerConfig{
			Interval:         Duration(60 * time.Second),
			Workers:          4,
			ExecutionTimeout: Duration(5 * time.Minute),
			Lease: LeaseConfig{
				RedisAddr: "localhost:6379",
				Key:       "testhub:scheduler:lease",
				TTL:       Duration(2 * time.Minute),
			},
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Notify: NotifyConfig{
			Policy:         "task",
			WebhookTimeout: Duration(10 * time.Second),
			RatePerSec:     5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a TOML or YAML file (by extension) over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml", "":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Driver = getEnv("TESTHUB_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("TESTHUB_DB_DSN", cfg.Database.DSN)
	cfg.Scheduler.Interval = Duration(getEnvDuration("TESTHUB_POLL_INTERVAL", cfg.Scheduler.Interval.D()))
	cfg.Scheduler.Workers = getEnvInt("TESTHUB_WORKERS", cfg.Scheduler.Workers)
	cfg.Scheduler.ExecutionTimeout = Duration(getEnvDuration("TESTHUB_EXECUTION_TIMEOUT", cfg.Scheduler.ExecutionTimeout.D()))
	cfg.Scheduler.Lease.Enabled = getEnvBool("TESTHUB_LEASE_ENABLED", cfg.Scheduler.Lease.Enabled)
	cfg.Scheduler.Lease.RedisAddr = getEnv("REDIS_ADDR", cfg.Scheduler.Lease.RedisAddr)
	cfg.Scheduler.Lease.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Scheduler.Lease.RedisPassword)
	cfg.Scheduler.Lease.RedisDB = getEnvInt("REDIS_DB", cfg.Scheduler.Lease.RedisDB)
	cfg.HTTP.Addr = getEnv("TESTHUB_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.Debug = getEnvBool("TESTHUB_DEBUG", cfg.HTTP.Debug)
	cfg.Notify.Policy = getEnv("TESTHUB_NOTIFY_POLICY", cfg.Notify.Policy)
	cfg.Log.Level = getEnv("TESTHUB_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("TESTHUB_LOG_FORMAT", cfg.Log.Format)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Scheduler.Interval.D() <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("scheduler.workers must be positive")
	}
	if c.Scheduler.Lease.Enabled && c.Scheduler.Lease.RedisAddr == "" {
		return errors.New("scheduler.lease.redis_addr is required when the lease is enabled")
	}
	switch c.Notify.Policy {
	case "task", "setting", "any", "all":
	default:
		return fmt.Errorf("notify.policy must be one of task, setting, any, all; got %q", c.Notify.Policy)
	}
	return nil
}

// Duration accepts "30s"-style strings in both TOML and YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

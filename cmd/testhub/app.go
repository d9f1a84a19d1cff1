package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"testhub/internal/config"
	httph "testhub/internal/handlers/http"
	"testhub/internal/handlers/shell"
	"testhub/internal/lease"
	"testhub/internal/notify"
	"testhub/internal/scheduler"
	"testhub/internal/store"
	"testhub/internal/telemetry"
	"testhub/internal/worker"
)

// app holds the wired runtime shared by the commands.
type app struct {
	cfg   *config.Config
	repo  *store.SQLRepo
	pool  *worker.Pool
	redis *redis.Client
	lease scheduler.Lease
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLRepo, error) {
	repo, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return repo, nil
}

// newApp opens the store and builds the executor side of the scheduler.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, repo: repo}

	// Anything still pending after a full execution timeout belongs to a
	// process that is gone.
	if n, err := repo.RecoverStale(ctx, time.Now().Add(-cfg.Scheduler.ExecutionTimeout.D())); err != nil {
		log.Warn().Err(err).Msg("failed to recover stale executions")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale executions")
	}

	policy, err := notify.ParsePolicy(cfg.Notify.Policy)
	if err != nil {
		repo.Close()
		return nil, err
	}
	notifier := notify.NewService(repo, notify.Options{
		Policy:     policy,
		Timeout:    cfg.Notify.WebhookTimeout.D(),
		RatePerSec: cfg.Notify.RatePerSec,
	})

	handlers := map[string]worker.Handler{
		"http":  httph.HTTP{},
		"shell": shell.Shell{},
	}
	a.pool = worker.NewPool(repo, handlers, worker.Options{
		Size:     cfg.Scheduler.Workers,
		Timeout:  cfg.Scheduler.ExecutionTimeout.D(),
		Notifier: notifier,
	})

	if lc := cfg.Scheduler.Lease; lc.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     lc.RedisAddr,
			Password: lc.RedisPassword,
			DB:       lc.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.lease = lease.NewRedisLease(a.redis, lc.Key, lc.TTL.D())
	}
	return a, nil
}

func (a *app) poller(interval time.Duration, once bool) *scheduler.Poller {
	return scheduler.NewPoller(a.repo, a.pool, scheduler.Config{
		Interval: interval,
		Once:     once,
		Lease:    a.lease,
	})
}

// drain lets queued executions finish. In once mode everything already
// claimed is run to completion; otherwise running work gets a grace period.
func (a *app) drain(once bool) {
	if once {
		a.pool.Wait()
		a.pool.Close()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.pool.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("executions still running at shutdown")
	}
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.repo.Close()
}

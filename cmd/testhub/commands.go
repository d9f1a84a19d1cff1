package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"testhub/internal/api"
	"testhub/internal/notify"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-scheduled-tasks",
		Short: "Poll for due scheduled tasks and run them",
		RunE:  runScheduledTasks,
	}
	cmd.Flags().Int("interval", 60, "seconds between poll cycles")
	cmd.Flags().Bool("once", false, "run a single poll cycle and exit")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management API together with the poller",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "HTTP bind address (overrides config)")
	cmd.Flags().Int("interval", 60, "seconds between poll cycles")
	return cmd
}

func newCheckNotificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-notifications",
		Short: "Print every task's notification flags and settings",
		RunE:  runCheckNotifications,
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create a few example scheduled tasks",
		RunE:  runSeed,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// intervalFlag picks the --interval flag when given, the config value otherwise.
func intervalFlag(cmd *cobra.Command, fallback time.Duration) (time.Duration, error) {
	if !cmd.Flags().Changed("interval") {
		return fallback, nil
	}
	seconds, err := cmd.Flags().GetInt("interval")
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, errors.New("--interval must be a positive number of seconds")
	}
	return time.Duration(seconds) * time.Second, nil
}

func runScheduledTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	interval, err := intervalFlag(cmd, cfg.Scheduler.Interval.D())
	if err != nil {
		return err
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}
	once = once || cfg.Scheduler.Once

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	err = a.poller(interval, once).Run(ctx)
	a.drain(once)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	interval, err := intervalFlag(cmd, cfg.Scheduler.Interval.D())
	if err != nil {
		return err
	}
	addr := cfg.HTTP.Addr
	if flagAddr, _ := cmd.Flags().GetString("addr"); flagAddr != "" {
		addr = flagAddr
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(a.repo, api.Options{TaskTypes: a.pool.TaskTypes(), Debug: cfg.HTTP.Debug}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.poller(interval, false).Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.drain(false)
	return err
}

func runCheckNotifications(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	return notify.WriteReport(ctx, cmd.OutOrStdout(), repo)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stator/internal/api"
	"stator/internal/app"
	"stator/internal/config"
	"stator/internal/runner"
	"stator/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduling loop until SIGINT/SIGTERM",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Int("concurrency", 100, "maximum transition attempts executing at once")
	f.Duration("schedule-interval", 30*time.Second, "lease reclaim cadence and default try interval")
	f.Duration("lock-duration", 5*time.Minute, "lease length taken on each claim")
	f.Duration("poll-interval", time.Second, "discovery cadence while there is work")
	f.String("runner-id", "", "lock owner token (default: hostname plus a random suffix)")
	f.String("metrics-addr", ":9090", "address serving /metrics, /healthz, /stats and the admin API")

	bindFlag("concurrency", f, "concurrency")
	bindFlag("schedule_interval", f, "schedule-interval")
	bindFlag("lock_duration", f, "lock-duration")
	bindFlag("poll_interval", f, "poll-interval")
	bindFlag("runner_id", f, "runner-id")
	bindFlag("metrics_addr", f, "metrics-addr")
}

// newRunner builds the app and a runner configured from cfg.
func newRunner(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, *runner.Runner, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	r, err := runner.New(a.Store, a.Machines,
		runner.WithConcurrency(cfg.Concurrency),
		runner.WithScheduleInterval(cfg.ScheduleInterval),
		runner.WithLockDuration(cfg.LockDuration),
		runner.WithPollInterval(cfg.PollInterval),
		runner.WithIdleBackoff(cfg.IdleBackoffMax),
		runner.WithOwner(cfg.RunnerID),
		runner.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, r, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := telemetry.NewLogger(cfg.LogLevel, "runner")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, r, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger = logger.With(slog.String("owner", r.Owner()))

	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.New(a.Store, a.Machines, a.TenantLimiter(), logger).WithStats(r).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("shutdown timeout reached with work in flight; leases will expire",
				"in_flight", len(r.Stats().InFlight))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "runner stopped:", err)
	}
	return err
}

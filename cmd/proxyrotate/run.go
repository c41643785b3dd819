package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"vawter.tech/stopper"

	"github.com/axondata/go-proxyrotate"
	"github.com/axondata/go-proxyrotate/internal/admin"
	"github.com/axondata/go-proxyrotate/internal/config"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var adminListen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor",
		Long: `Start every enabled instance and supervise it until SIGINT or SIGTERM.

On a signal all workers are stopped, bounded by manager.shutdown_timeout.
The command exits non-zero when the shutdown could not complete cleanly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if adminListen != "" {
				cfg.Admin.Listen = adminListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVar(&adminListen, "admin-listen", "", "override admin API listen address")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	endpoints, err := cfg.LoadEndpoints()
	if err != nil {
		return err
	}
	instances, err := cfg.InstanceConfigs()
	if err != nil {
		return err
	}
	launcher, err := cfg.Launcher()
	if err != nil {
		return err
	}
	opts, err := cfg.ManagerOptions(log)
	if err != nil {
		return err
	}

	metrics, err := proxyrotate.NewMetrics(nil)
	if err != nil {
		return err
	}
	opts = append(opts, proxyrotate.WithMetrics(metrics))

	mgr, err := proxyrotate.NewManager(endpoints, instances, launcher, opts...)
	if err != nil {
		return err
	}

	log.Info("starting", "version", proxyrotate.Version, "endpoints", len(endpoints), "configs", len(instances))

	// Side services live until the manager has shut down
	sctx := stopper.WithContext(context.WithoutCancel(ctx))

	if cfg.Admin.Listen != "" {
		srv := admin.NewServer(cfg.Admin.Listen, admin.NewRouter(mgr, metrics.Handler(), log), log)
		sctx.Go(func(sctx *stopper.Context) error {
			srvCtx, cancel := context.WithCancel(sctx)
			defer cancel()
			go func() {
				select {
				case <-sctx.Stopping():
					cancel()
				case <-srvCtx.Done():
				}
			}()

			if err := srv.Run(srvCtx); err != nil {
				log.Error("admin API failed", "error", err)
			}
			return nil
		})
	}
	defer func() {
		sctx.Stop(5 * time.Second)
		_ = sctx.Wait()
	}()

	if cfg.WatchFile {
		stopWatch, err := config.WatchEndpoints(ctx, cfg.EndpointsFile, mgr, log)
		if err != nil {
			return err
		}
		defer func() { _ = stopWatch() }()
	}

	if err := mgr.Start(ctx); err != nil {
		// Spawn failures are retried by the manager; only report them
		log.Warn("initial spawn incomplete", "error", err)
	}

	<-ctx.Done()
	log.Info("shutting down", "timeout", cfg.Manager.ShutdownTimeout.D())

	if err := mgr.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("stopped")
	return nil
}

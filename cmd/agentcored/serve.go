package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentcore/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool and hold it ready until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			rt.logger.Info(ctx, "agentcored starting",
				"worker_pool_size", cfg.WorkerPool.TargetSize,
				"store_driver", cfg.Store.Driver,
			)

			watchCtx, watchCancel := context.WithCancel(ctx)
			defer watchCancel()
			go func() {
				if err := rt.overrides.Watch(watchCtx, func() {
					rt.logger.Info(watchCtx, "rate limit overrides reloaded")
				}); err != nil && watchCtx.Err() == nil {
					rt.logger.Warn(watchCtx, "rate limit override watch stopped", "error", err)
				}
			}()

			<-ctx.Done()
			rt.logger.Info(context.Background(), "agentcored shutting down")
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/logx"
	"github.com/pario-ai/spendguard/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the replay scheduler and the config watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if listen != "" {
				a.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := a.svc.Scheduler(a.log)
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer sched.Stop()

			if *configPath != "" {
				watchLog := logx.Component(a.log, "config")
				go func() {
					err := config.Watch(ctx, *configPath, watchLog, a.svc.Reload)
					if err != nil {
						watchLog.Error().Err(err).Msg("config watcher stopped")
					}
				}()
			}

			a.log.Info().Str("config", *configPath).Str("store", a.cfg.Store.Driver).Msg("starting spendguard")
			return server.New(a.cfg.Listen, a.svc, a.reg, logx.Component(a.log, "http")).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

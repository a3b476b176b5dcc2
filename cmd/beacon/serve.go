package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entraide/beacon/internal/app"
	"github.com/entraide/beacon/internal/config"
	"github.com/entraide/beacon/internal/log"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the beacon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLog := log.New("info", true)
			cfg, path, err := config.Load(bootLog, *configPath)
			if err != nil {
				return err
			}

			logger := log.New(cfg.LogLevel, cfg.LogPretty)
			logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting beacon server")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}
			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
}

package main

import (
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "beacon",
		Short:         "Beacon neighborhood assistance messaging",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(chatCmd(&configPath))
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"offline0/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	ConfigPath string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "offline0",
		Short:         "Offline-first caching and sync layer for the citizen reports app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

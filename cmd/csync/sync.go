package main

import (
	"log/slog"

	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/syncer"
	"github.com/openmined/csync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Watch the source directory and mirror stable data files to the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}

			slog.Info("csync", "version", version.Short(), "source", cfg.Source, "target", cfg.Target)
			defer slog.Info("bye")
			return syncer.Sync(cmd.Context(), syncer.Options{Config: cfg})
		},
	}
}

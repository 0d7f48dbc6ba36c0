package main

import (
	"fmt"

	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRestoreCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Download every file of the latest manifest into the source directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}

			res, err := syncer.Restore(cmd.Context(), syncer.Options{Config: cfg})
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d files into %s, %d failed\n", res.Restored, cfg.Source, res.Failed)
			return err
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/syncer"
	"github.com/openmined/csync/internal/target"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var errFsckFailed = errors.New("fsck found problems")

func newFsckCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Validate backup indexes and the latest manifest on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if format != "text" && format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q", format)
			}

			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}

			report, err := syncer.Fsck(cmd.Context(), syncer.Options{Config: cfg})
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
			if !report.Valid() {
				return errFsckFailed
			}
			return nil
		},
	}
	cmd.Flags().StringP("format", "f", "text", "output format: text, json or yaml")
	return cmd
}

func writeReport(w io.Writer, report *target.FsckReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(report)
	}

	for _, e := range report.Entries {
		if e.Valid {
			fmt.Fprintf(w, "ok    %s (%s)\n", e.Name, e.Version)
		} else {
			fmt.Fprintf(w, "FAIL  %s: %s\n", e.Name, e.Error)
		}
	}

	if m := report.Manifest; m != nil {
		if m.Error != "" {
			fmt.Fprintf(w, "manifest: %s\n", m.Error)
		} else {
			fmt.Fprintf(w, "manifest: %d files, %s\n", m.Files, humanize.IBytes(uint64(m.Bytes)))
		}
		for _, name := range m.Missing {
			fmt.Fprintf(w, "  missing   %s\n", name)
		}
		for _, name := range m.SizeMismatch {
			fmt.Fprintf(w, "  size      %s\n", name)
		}
	}
	return nil
}

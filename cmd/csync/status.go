package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/journal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent uploads and manifest writes from the local journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.LocalFromViper(v)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.JournalPath()); err != nil {
				return fmt.Errorf("no journal at %s: %w", cfg.JournalPath(), err)
			}

			j, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer j.Close()

			return printStatus(cmd, j, limit)
		},
	}
	cmd.Flags().IntP("limit", "n", 10, "number of recent entries to show")
	return cmd
}

func printStatus(cmd *cobra.Command, j *journal.Journal, limit int) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	stats, err := j.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "uploads: %d (%s), manifest writes: %d\n",
		stats.Uploads, humanize.IBytes(uint64(stats.UploadedBytes)), stats.ManifestWrites)

	uploads, err := j.RecentUploads(ctx, limit)
	if err != nil {
		return err
	}
	section(w, "recent uploads", len(uploads))
	for _, u := range uploads {
		fmt.Fprintf(w, "  %-14s %10s  %s\n", humanize.Time(u.StoredAt), humanize.IBytes(uint64(u.Size)), u.RelPath)
	}

	writes, err := j.RecentManifestWrites(ctx, limit)
	if err != nil {
		return err
	}
	section(w, "recent manifests", len(writes))
	for _, m := range writes {
		fmt.Fprintf(w, "  %-14s %6d files %10s  %s\n", humanize.Time(m.WrittenAt), m.Files, humanize.IBytes(uint64(m.Bytes)), m.Name)
	}
	return nil
}

func section(w io.Writer, title string, n int) {
	if n == 0 {
		fmt.Fprintf(w, "%s: none\n", title)
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/csync/internal/config"
	"github.com/openmined/csync/internal/utils"
	"github.com/openmined/csync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:          "csync",
		Short:        "Mirror append-only database files to remote storage",
		Version:      version.Detailed(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(cmd); err != nil {
				return err
			}
			return loadConfig(cmd, v)
		},
	}

	pf := root.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("config", "c", config.DefaultConfigPath, "config file (json or yaml)")
	pf.StringP("source", "s", "", "directory the database writes its data files to")
	pf.StringP("target", "t", "", "target url: file://, dir:// or s3://bucket/prefix")
	pf.String("backup-dir", "", "staging directory (default <source>/"+config.DefaultBackupSubdir+")")
	pf.String("filter", "", "data file filter, a regexp or glob:<pattern>")
	pf.String("index-filter", "", "backup index filter used by fsck")
	pf.String("s3-region", "", "s3 region")
	pf.String("s3-endpoint", "", "s3 compatible endpoint, enables path-style addressing")
	pf.String("http-addr", "", "serve /healthz, /status, /manifest and /metrics on this address")
	pf.Bool("no-journal", false, "do not record uploads in the local journal")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("log-file", config.DefaultLogFilePath, "rotating log file, empty to disable")

	root.AddCommand(
		newSyncCmd(v),
		newFsckCmd(v),
		newRestoreCmd(v),
		newStatusCmd(v),
		newVersionCmd(),
	)
	return root
}

var flagKeys = map[string]string{
	"source":       "source",
	"target":       "target",
	"backup_dir":   "backup-dir",
	"filter":       "filter",
	"index_filter": "index-filter",
	"http_addr":    "http-addr",
	"no_journal":   "no-journal",
	"s3.region":    "s3-region",
	"s3.endpoint":  "s3-endpoint",
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) error {
	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(v, path, cmd.Flags().Changed("config")); err != nil {
		return err
	}

	for key, name := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setupLogging(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		}),
	}

	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile != "" {
		if err := utils.EnsureParent(logFile); err != nil {
			return fmt.Errorf("log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return nil
}

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

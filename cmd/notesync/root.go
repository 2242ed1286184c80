package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/agentworkforce/notesync/internal/config"
	"github.com/agentworkforce/notesync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	verbose    bool

	cfg      config.Config
	logger   = slog.Default()
	logClose io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Mirror Joplin notes from Postgres change notifications into PostgREST",
	Long: `notesync listens for item changes on the Joplin server database and
upserts every changed note in a synced folder to the notes table behind
PostgREST, enriched with the content of the first link in its body.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if verbose {
			loaded.Log.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return err
		}

		l, closer, err := logging.New(logging.Options{
			Level:      loaded.Log.Level,
			File:       loaded.Log.File,
			MaxSizeMB:  loaded.Log.MaxSizeMB,
			MaxBackups: loaded.Log.MaxBackups,
			MaxAgeDays: loaded.Log.MaxAgeDays,
			Console:    cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		slog.SetDefault(l)
		cfg, logger, logClose = loaded, l, closer
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if logClose != nil {
		_ = logClose.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

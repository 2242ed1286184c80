package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/notesync/internal/notesync"
	"github.com/agentworkforce/notesync/internal/pglisten"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen for item changes and sync notes until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialer, err := pglisten.NewPostgresDialer(cfg.Database.ConnString())
		if err != nil {
			return err
		}
		listener, err := pglisten.New(pglisten.Options{
			Dialer:         dialer,
			ReconnectDelay: cfg.Listener.ReconnectDelay,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		service, err := newService(cfg, logger, listener)
		if err != nil {
			return err
		}
		handler, err := notesync.NewHandler(service, logger)
		if err != nil {
			return err
		}
		journal, err := openJournal(cfg.DeadLetter)
		if err != nil {
			return fmt.Errorf("open dead letter journal: %w", err)
		}

		logger.Info("listening for item changes", "channel", cfg.Listener.Channel, "postgrest", cfg.PostgREST.Host)
		if err := listener.Run(ctx, cfg.Listener.Channel, journaled(handler, journal, logger)); err != nil {
			return err
		}
		logger.Info("listener stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/notesync/internal/deadletter"
	"github.com/agentworkforce/notesync/internal/notesync"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var replayFailed bool

var syncCmd = &cobra.Command{
	Use:   "sync [item-id...]",
	Short: "Run the sync pipeline once for the given item ids",
	Long: `sync pushes the given items through the same pipeline the listener uses,
without waiting for a change notification. With --replay-failed it re-syncs
every item in the dead letter journal and clears the ones that succeed.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if replayFailed {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		journal, err := openJournal(cfg.DeadLetter)
		if err != nil {
			return fmt.Errorf("open dead letter journal: %w", err)
		}
		ids := args
		if replayFailed {
			if journal == nil {
				return errors.New("--replay-failed needs NOTESYNC_DEADLETTER_FILE")
			}
			ids = append(journal.ReplayableIDs(), args...)
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to replay")
				return nil
			}
		}

		db, err := sql.Open("postgres", cfg.Database.ConnString())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		service, err := newService(cfg, logger, db)
		if err != nil {
			return err
		}
		return syncItems(ctx, cmd.OutOrStdout(), service, ids, journal)
	},
}

var errSyncFailed = errors.New("one or more items failed to sync")

// syncItems processes ids in order, printing one line per item. It keeps going
// after a failure and reports errSyncFailed at the end. When journal is set,
// items that sync are cleared from it.
func syncItems(ctx context.Context, out io.Writer, changes notesync.ChangeHandler, ids []string, journal *deadletter.FileJournal) error {
	failed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := changes.HandleChange(ctx, id)
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(out, "%s\tfailed\t%v\n", id, err)
			continue
		case result.Outcome == notesync.OutcomeSkipped:
			fmt.Fprintf(out, "%s\tskipped\t%s\n", id, result.Reason)
		default:
			fmt.Fprintf(out, "%s\t%s\t%s\n", id, result.Outcome, result.NoteID)
		}
		if journal != nil {
			if err := journal.Resolve(id); err != nil {
				return fmt.Errorf("clear dead letter entry %s: %w", id, err)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errSyncFailed, failed, len(ids))
	}
	return nil
}

func init() {
	syncCmd.Flags().BoolVar(&replayFailed, "replay-failed", false, "Re-sync the items recorded in the dead letter journal")
	rootCmd.AddCommand(syncCmd)
}

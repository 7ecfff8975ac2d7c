package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/laju/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Long:  `List every stored session with its status and message count.`,
	RunE:  runSessions,
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive [session-id]",
	Short: "Archive a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsArchive,
}

var sessionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive idle sessions and purge expired archives now",
	RunE:  runSessionsSweep,
}

var sessionsRollbackCmd = &cobra.Command{
	Use:   "rollback [session-id] [checkpoint-id]",
	Short: "Roll a session back to a checkpoint",
	Long: `Truncate a session's message log to a checkpoint and restore the loop
state captured there. Run without a checkpoint ID to list the session's
checkpoints.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSessionsRollback,
}

func init() {
	sessionsCmd.AddCommand(sessionsArchiveCmd)
	sessionsCmd.AddCommand(sessionsSweepCmd)
	sessionsCmd.AddCommand(sessionsRollbackCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openStore opens the session store without the rest of the engine; listing
// and housekeeping need no model providers
func openStore() (*session.Store, *session.Archiver, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewStore(
		filepath.Join(cfg.DataDir, "sessions"),
		cfg.Session.LockRetryBackoff,
		cfg.Session.LockTimeout,
	)
	if err != nil {
		return nil, nil, err
	}
	archiver, err := session.NewArchiver(store)
	if err != nil {
		return nil, nil, err
	}
	return store, archiver, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, archiver, err := openStore()
	if err != nil {
		return err
	}
	defer archiver.Close()

	sessions, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}

	for _, sess := range sessions {
		fmt.Fprintf(out, "%s  %-8s  %4d msgs  %s  %s\n",
			sess.ID, sess.Status, sess.MessageCount,
			sess.UpdatedAt.Format(time.RFC3339), sess.WorkingDir)
	}
	return nil
}

func runSessionsArchive(cmd *cobra.Command, args []string) error {
	_, archiver, err := openStore()
	if err != nil {
		return err
	}
	defer archiver.Close()

	if err := archiver.Archive(context.Background(), args[0], 0); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", args[0])
	return nil
}

func runSessionsRollback(cmd *cobra.Command, args []string) error {
	store, archiver, err := openStore()
	if err != nil {
		return err
	}
	defer archiver.Close()

	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}
	checkpoints, err := store.Checkpoints(sess)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		if len(checkpoints) == 0 {
			fmt.Fprintln(out, "no checkpoints")
			return nil
		}
		for _, cp := range checkpoints {
			fmt.Fprintf(out, "%s  offset %4d  %s  %s\n",
				cp.ID, cp.Offset, cp.CreatedAt.Format(time.RFC3339), cp.Description)
		}
		return nil
	}

	var target *session.Checkpoint
	for i := range checkpoints {
		if checkpoints[i].ID == args[1] {
			target = &checkpoints[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("session %s has no checkpoint %s", args[0], args[1])
	}

	state, err := store.Rollback(context.Background(), sess, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rolled back %s to offset %d (iteration %d)\n",
		sess.ID, target.Offset, state.Iteration)
	return nil
}

func runSessionsSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	store, err := session.NewStore(
		filepath.Join(cfg.DataDir, "sessions"),
		cfg.Session.LockRetryBackoff,
		cfg.Session.LockTimeout,
	)
	if err != nil {
		return err
	}
	archiver, err := session.NewArchiver(store)
	if err != nil {
		return err
	}
	defer archiver.Close()

	cleaner := session.NewCleaner(store, archiver, cfg.Session.ArchiveAfter, cfg.Session.Retention)
	if err := cleaner.Sweep(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "sweep complete")
	return nil
}

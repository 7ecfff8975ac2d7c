package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/laju/internal/config"
	"github.com/harun/laju/pkg/loop"
	"github.com/harun/laju/pkg/session"
)

var (
	runDir  string
	runMode string
	runNew  bool
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run the agent loop on a task",
	Long: `Run the agent loop on a task in the current (or given) directory.
A recent session for the same directory is resumed automatically; pass
--new to force a fresh one. Ctrl-C interrupts the run and flushes its
state to the session log.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runDir, "dir", "", "workspace directory (default is the current directory)")
	runCmd.Flags().StringVar(&runMode, "mode", "default", "autonomy preset (default, autonomous, conservative)")
	runCmd.Flags().BoolVar(&runNew, "new", false, "start a fresh session instead of resuming")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg, err = applyMode(cfg, runMode)
	if err != nil {
		return err
	}

	lg, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer lg.Close()

	dir := runDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return err
	}

	eng, err := buildEngine(cfg, dir)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.cleaner.Start(cfg.Session.CleanupSchedule); err != nil {
		return fmt.Errorf("failed to start session cleanup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := cfg.Models.Rotation[0]
	var sess *session.Session
	if runNew {
		sess, err = eng.store.Create(model, dir)
	} else {
		sess, err = eng.store.LoadOrResume(ctx, dir, model, cfg.Session.ResumeMaxAge)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s (%s)\n", sess.ID, sess.WorkingDir)

	task := strings.Join(args, " ")
	decision, err := eng.orch.StartLoop(ctx, sess, task)
	if err != nil {
		return err
	}

	printOutcome(cmd, eng, sess, decision)
	return nil
}

// applyMode overlays an autonomy preset, keeping the file-sourced model
// rotation, persistence, and logging settings
func applyMode(cfg *config.Config, mode string) (*config.Config, error) {
	var preset *config.Config
	switch mode {
	case "", "default":
		return cfg, nil
	case "autonomous":
		preset = config.Autonomous()
	case "conservative":
		preset = config.Conservative()
	default:
		return nil, fmt.Errorf("unknown mode %q (want default, autonomous, or conservative)", mode)
	}

	preset.Models = cfg.Models
	preset.Context = cfg.Context
	preset.Session = cfg.Session
	preset.Logging = cfg.Logging
	preset.DataDir = cfg.DataDir
	return preset, nil
}

// printOutcome reports the terminal decision and the last assistant reply
func printOutcome(cmd *cobra.Command, eng *engine, sess *session.Session, decision loop.Decision) {
	out := cmd.OutOrStdout()

	messages, err := eng.store.Messages(sess)
	if err == nil {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == session.RoleAssistant && messages[i].Content != "" {
				content := messages[i].Content
				content = strings.ReplaceAll(content, "<task_complete>", "")
				content = strings.ReplaceAll(content, "<needs_input>", "")
				fmt.Fprintln(out, strings.TrimSpace(content))
				break
			}
		}
	}

	switch decision.Phase {
	case loop.PhaseComplete:
		fmt.Fprintln(out, "\ndone")
	case loop.PhasePauseConfirm:
		fmt.Fprintf(out, "\npaused: %s\nconfirm the pending calls and re-run to continue\n", decision.Reason)
	case loop.PhasePauseCheck:
		fmt.Fprintf(out, "\npaused: %s\n", decision.Reason)
	default:
		fmt.Fprintf(out, "\nstopped (%s): %s\n", decision.Phase, decision.Reason)
	}
}

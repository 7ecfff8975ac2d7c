package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/laju/pkg/dispatch"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show model rotation health",
	Long:  `Show the recorded health of every model in the rotation.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	health, err := dispatch.NewHealthTracker(filepath.Join(cfg.DataDir, "model_health.json"))
	if err != nil {
		return err
	}
	defer health.Close()

	out := cmd.OutOrStdout()
	now := time.Now()

	for _, model := range cfg.Models.Rotation {
		record := health.Get(model)
		line := fmt.Sprintf("%-24s %-12s ok=%d fail=%d streak=%d latency=%.0fms",
			model, record.Status, record.SuccessCount, record.FailureCount,
			record.FailureStreak, record.AvgLatencyMs)
		if record.InCooldown(now) {
			line += fmt.Sprintf(" cooldown=%s", record.CooldownUntil.Sub(now).Round(time.Second))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

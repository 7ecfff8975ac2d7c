package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/laju/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the effective configuration to disk",
	Long: `Write the effective configuration (file values layered over defaults)
to the config path, creating it if needed. Edit the file afterwards to
change the model rotation, budgets, and autonomy settings.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "configuration saved to %s\n", loader.GetConfigPath())
	return nil
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ticketarc/ticketarc/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load configuration and report whether it is valid",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	getenv := os.Getenv
	if configFlag, _ := cmd.Root().PersistentFlags().GetString("config"); configFlag != "" {
		getenv = func(key string) string {
			if key == "CONFIG_PATH" {
				return configFlag
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.LoadWithEnv(getenv)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fmt.Printf("config OK: tms=%s archive_root=%s dispatcher=%s idempotency=%s\n",
		cfg.TMS.BaseURL, cfg.Archive.Root, cfg.Server.DispatcherBackend, cfg.Server.IdempotencyBackend)
	return nil
}

package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ticketarc",
	Short: "Archive signed ticket snapshots from webhook deliveries",
	Long:  `ticketarc listens for ticket-update webhooks, renders a PDF snapshot of the ticket, optionally signs and timestamps it, and writes the result plus a JSON audit sidecar to an archive tree.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: $XDG_CONFIG_HOME/ticketarc/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}

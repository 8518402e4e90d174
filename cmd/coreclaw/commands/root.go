// Package commands holds the coreclaw CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coreclaw",
		Short: "Coreclaw - durable single-host chat agent runtime",
		Long:  "Coreclaw runs a chat agent over a durable SQLite message bus with\nscheduled tasks, heartbeats, and isolated tool execution.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "init", "worker":
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewChatCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
		NewWorkerCmd(),
	)
	return cmd
}

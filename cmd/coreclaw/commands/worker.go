package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/sandbox"
)

// NewWorkerCmd is the hidden entry point the isolation runtime re-execs for
// each tool invocation. Request on stdin, response on stdout, one shot.
func NewWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a single isolated tool invocation",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sandbox.ServeWorker(os.Stdin, os.Stdout)
		},
	}
}

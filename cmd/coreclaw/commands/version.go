package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/version"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coreclaw %s %s/%s\n", version.Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}

package main

import (
	"os"

	"github.com/coreclaw/coreclaw/cmd/coreclaw/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

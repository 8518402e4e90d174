package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/app"
	"github.com/coreclaw/coreclaw/internal/channel"
	"github.com/coreclaw/coreclaw/internal/config"
)

func NewChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Run the agent with an interactive terminal channel",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}

	// Registered after Start so the manager routes replies to it without
	// launching a second reader; the CLI loop runs in the foreground.
	cli := channel.NewCLIChannel(a.Bus, a.Bus)
	a.Channels.Register(cli)
	runErr := cli.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Stop(shutdownCtx)
	return runErr
}

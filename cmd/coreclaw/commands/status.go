package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and queue state",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("=== Coreclaw Status ===")
	fmt.Println()

	fmt.Println("Config:")
	fmt.Printf("  Path:      %s\n", config.ConfigPath())
	fmt.Printf("  Workspace: %s\n", cfg.WorkspaceDir)
	fmt.Printf("  Database:  %s\n", cfg.DatabasePath())
	fmt.Printf("  Profile:   %s\n", cfg.SecurityProfile)
	fmt.Println()

	fmt.Println("Provider:")
	if cfg.Provider.Kind == "" {
		fmt.Println("  (not configured)")
	} else {
		fmt.Printf("  Kind:  %s\n", cfg.Provider.Kind)
		fmt.Printf("  Model: %s\n", cfg.Provider.Model)
	}
	fmt.Println()

	fmt.Println("Channels:")
	fmt.Printf("  Webhook:  %s\n", enabledString(cfg.Webhook.Enabled))
	fmt.Printf("  Telegram: %s\n", enabledString(cfg.Telegram.Enabled))
	fmt.Println()

	fmt.Println("Services:")
	fmt.Printf("  Heartbeat:     %s\n", enabledString(cfg.Heartbeat.Enabled))
	fmt.Printf("  Isolation:     %s\n", enabledString(cfg.Isolation.Enabled))
	fmt.Printf("  Observability: %s\n", enabledString(cfg.Observability.HTTP.Enabled))
	fmt.Println()

	printQueues(cfg)
	printSkills(cfg)
	return nil
}

func printQueues(cfg *config.Config) {
	fmt.Println("Queues:")
	store, err := storage.Open(cfg.DatabasePath(), cfg.BackupDir())
	if err != nil {
		fmt.Printf("  (unavailable: %v)\n", err)
		fmt.Println()
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, direction := range []storage.Direction{storage.DirectionInbound, storage.DirectionOutbound} {
		depth, err := store.QueueDepths(ctx, direction)
		if err != nil {
			fmt.Printf("  %-9s (unavailable: %v)\n", direction, err)
			continue
		}
		fmt.Printf("  %-9s pending=%d processing=%d dead_letter=%d\n",
			direction, depth.Pending, depth.Processing, depth.DeadLetter)
	}

	chats, err := store.ListChats(ctx)
	if err == nil {
		fmt.Printf("  chats     %d registered\n", len(chats))
	}
	fmt.Println()
}

func printSkills(cfg *config.Config) {
	fmt.Println("Skills:")
	list := skills.NewLoader(cfg.WorkspaceDir).List()
	if len(list) == 0 {
		fmt.Println("  (none installed)")
		return
	}
	for _, s := range list {
		flags := ""
		if s.Always {
			flags = " [always]"
		}
		fmt.Printf("  %s%s: %s\n", s.Name, flags, s.Description)
	}
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

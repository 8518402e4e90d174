package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Coreclaw configuration and workspace",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	dirs := []string{
		config.ConfigDir(),
		cfg.WorkspaceDir,
		filepath.Join(cfg.WorkspaceDir, workspace.MemoryDir),
		filepath.Join(cfg.WorkspaceDir, workspace.SkillsDir),
		cfg.DataDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	workspaceFiles := map[string]string{
		workspace.IdentityFile:   "# Identity\n\nYou are Coreclaw, a helpful assistant.",
		workspace.UserFile:       "# User\n\nInformation about the user goes here.",
		workspace.ToolPolicyFile: "# Tools\n\nGuidance on when and how to use tools goes here.",
		workspace.GlobalMemory:   "# Global Memory\n",
	}
	for name, content := range workspaceFiles {
		path := filepath.Join(cfg.WorkspaceDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			_ = os.WriteFile(path, []byte(content), 0644)
		}
	}

	fmt.Printf("Coreclaw initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Workspace: %s\n", cfg.WorkspaceDir)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to configure a provider\n", configPath)
	fmt.Printf("2. Run 'coreclaw chat' to start chatting\n")

	return nil
}

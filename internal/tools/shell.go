package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/sandbox"
)

// NewShellTool builds shell.exec. Commands run without a shell interpreter,
// in the isolated worker when the runtime covers this tool.
func NewShellTool(d Deps) *Tool {
	return &Tool{
		Name:        "shell.exec",
		Description: "Execute a command in the workspace. No shell interpreter; quote arguments as needed.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":    map[string]any{"type": "string", "description": "Command line to execute"},
				"workingDir": map[string]any{"type": "string", "description": "Working directory relative to the workspace"},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if !d.Cfg.AllowShell {
				return "", fmt.Errorf("shell execution is disabled (allow_shell=false)")
			}
			command, _ := args["command"].(string)

			workDir := d.Workspace.Root()
			if wd, _ := args["workingDir"].(string); wd != "" {
				resolved, err := d.Workspace.Resolve(wd)
				if err != nil {
					return "", err
				}
				workDir = resolved
			}

			payload := sandbox.ShellPayload{
				Command:         command,
				WorkingDir:      workDir,
				TimeoutMs:       d.Cfg.CommandTimeoutMs,
				AllowedCommands: d.Cfg.AllowedShellCommands,
				MaxOutputChars:  d.Cfg.MaxToolOutputChars,
			}
			if d.Sandbox.Isolates("shell.exec") {
				return d.Sandbox.Execute(ctx, "shell.exec", payload, d.Cfg.CommandTimeoutMs)
			}
			return sandbox.RunShell(ctx, payload)
		},
	}
}

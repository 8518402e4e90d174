package tools

import (
	"context"

	"github.com/coreclaw/coreclaw/internal/sandbox"
)

// NewFsReadTool builds fs.read, bounded to the workspace.
func NewFsReadTool(d Deps) *Tool {
	return &Tool{
		Name:        "fs.read",
		Description: "Read a file from the workspace.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
			},
			"required": []string{"path"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			data, err := d.Workspace.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

// NewFsWriteTool builds fs.write. Writes to protected files are gated by
// policy before the handler runs.
func NewFsWriteTool(d Deps) *Tool {
	return &Tool{
		Name:        "fs.write",
		Description: "Write or append a file inside the workspace.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root"},
				"content": map[string]any{"type": "string", "description": "Content to write"},
				"append":  map[string]any{"type": "boolean", "description": "Append instead of overwrite"},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			payload := sandbox.WritePayload{
				WorkspaceDir: d.Workspace.Root(),
				Path:         path,
				Content:      content,
				Append:       appendMode,
			}
			if d.Sandbox.Isolates("fs.write") {
				return d.Sandbox.Execute(ctx, "fs.write", payload, 0)
			}
			return sandbox.RunWrite(ctx, payload)
		},
	}
}

package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/workspace"
)

func memoryPath(d Deps, ctx context.Context, scope string) (string, error) {
	inv := InvocationFromContext(ctx)
	switch scope {
	case "global":
		return workspace.GlobalMemory, nil
	case "chat", "":
		if inv.Channel == "" || inv.ChatID == "" {
			return "", fmt.Errorf("chat memory requires a chat-bound invocation")
		}
		return d.Workspace.ChatMemoryPath(inv.Channel, inv.ChatID), nil
	default:
		return "", fmt.Errorf("unknown memory scope %q", scope)
	}
}

// NewMemoryReadTool builds memory.read over the workspace memory files.
func NewMemoryReadTool(d Deps) *Tool {
	return &Tool{
		Name:        "memory.read",
		Description: "Read agent memory. Scope is chat (default) or global.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scope": map[string]any{"type": "string", "enum": []string{"chat", "global"}, "description": "Memory scope"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			scope, _ := args["scope"].(string)
			path, err := memoryPath(d, ctx, scope)
			if err != nil {
				return "", err
			}
			content := d.Workspace.ReadOptional(path)
			if content == "" {
				return "(memory is empty)", nil
			}
			return content, nil
		},
	}
}

// NewMemoryWriteTool builds memory.write. Global scope is admin-only, which
// the policy evaluator enforces from the call arguments.
func NewMemoryWriteTool(d Deps) *Tool {
	return &Tool{
		Name:        "memory.write",
		Description: "Write agent memory. Scope is chat (default) or global; append preserves existing notes.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scope":   map[string]any{"type": "string", "enum": []string{"chat", "global"}, "description": "Memory scope"},
				"content": map[string]any{"type": "string", "description": "Content to store"},
				"append":  map[string]any{"type": "boolean", "description": "Append instead of overwrite"},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			scope, _ := args["scope"].(string)
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			path, err := memoryPath(d, ctx, scope)
			if err != nil {
				return "", err
			}
			data := []byte(content)
			if appendMode {
				data = append([]byte("\n"), data...)
			}
			if err := d.Workspace.WriteFile(path, data, appendMode); err != nil {
				return "", err
			}
			return fmt.Sprintf("memory updated (%s)", path), nil
		},
	}
}

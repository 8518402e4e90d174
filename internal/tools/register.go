package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/storage"
)

// NewChatRegisterTool builds chat.register. Normal registration is open to
// every chat; admin elevation goes through the bootstrap protocol.
func NewChatRegisterTool(d Deps) *Tool {
	return &Tool{
		Name:        "chat.register",
		Description: "Register the current chat. Admin role requires the bootstrap key.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role":         map[string]any{"type": "string", "enum": []string{"normal", "admin"}, "description": "Requested role"},
				"bootstrapKey": map[string]any{"type": "string", "description": "Bootstrap key, required for the admin role"},
			},
			"required": []string{"role"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			if inv.ChatFk == 0 {
				return "", fmt.Errorf("chat.register requires a chat-bound invocation")
			}
			role, _ := args["role"].(string)

			switch role {
			case storage.RoleNormal:
				if err := d.Store.RegisterChat(ctx, inv.ChatFk, storage.RoleNormal); err != nil {
					return "", err
				}
				return "chat registered", nil
			case storage.RoleAdmin:
				key, _ := args["bootstrapKey"].(string)
				if err := d.Bootstrap.Attempt(ctx, inv.ChatFk, key); err != nil {
					return "", err
				}
				return "chat registered as admin", nil
			default:
				return "", fmt.Errorf("unknown role %q", role)
			}
		},
	}
}

package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// NewMessageSendTool builds message.send. Sending into a different chat than
// the invoking one is admin-only, enforced by policy.
func NewMessageSendTool(d Deps) *Tool {
	return &Tool{
		Name:        "message.send",
		Description: "Queue an outbound message. Defaults to the current chat.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string", "description": "Message text"},
				"channel": map[string]any{"type": "string", "description": "Target channel, defaults to the current one"},
				"chatId":  map[string]any{"type": "string", "description": "Target chat id, defaults to the current one"},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			content, _ := args["content"].(string)

			channel := inv.Channel
			if v, _ := args["channel"].(string); v != "" {
				channel = v
			}
			chatID := inv.ChatID
			if v, _ := args["chatId"].(string); v != "" {
				chatID = v
			}
			if channel == "" || chatID == "" {
				return "", fmt.Errorf("message.send requires a target channel and chatId")
			}

			env := bus.Envelope{
				ID:       bus.NewMessageID(),
				Channel:  channel,
				ChatID:   chatID,
				SenderID: "agent",
				Content:  content,
			}
			outcome, err := d.Publisher.PublishOutbound(ctx, env)
			if err != nil {
				return "", err
			}
			switch outcome {
			case storage.PublishEnqueued:
				return fmt.Sprintf("message queued for %s:%s (id %s)", channel, chatID, env.ID), nil
			case storage.PublishDuplicate:
				return fmt.Sprintf("message %s already queued", env.ID), nil
			default:
				return "", fmt.Errorf("message not queued: %s", outcome)
			}
		},
	}
}

package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/storage"
)

// NewDLQReplayTool builds bus.replay_dead_letter. Admin-only, enforced by
// policy.
func NewDLQReplayTool(d Deps) *Tool {
	return &Tool{
		Name:        "bus.replay_dead_letter",
		Description: "Requeue dead-lettered bus records, by id or in bulk per direction.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"queueId":   map[string]any{"type": "integer", "description": "Single queue record to replay"},
				"direction": map[string]any{"type": "string", "enum": []string{"inbound", "outbound"}, "description": "Replay the oldest dead letters in this direction"},
				"limit":     map[string]any{"type": "integer", "description": "Bulk replay cap, default 10"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if raw, ok := args["queueId"].(float64); ok {
				id := int64(raw)
				replayed, err := d.Replayer.ReplayDeadLetter(ctx, id)
				if err != nil {
					return "", err
				}
				if !replayed {
					return "", fmt.Errorf("queue record %d is not a dead letter", id)
				}
				return fmt.Sprintf("replayed queue record %d", id), nil
			}

			direction, _ := args["direction"].(string)
			if direction == "" {
				return "", fmt.Errorf("queueId or direction is required")
			}
			limit := 10
			if raw, ok := args["limit"].(float64); ok && raw > 0 {
				limit = int(raw)
			}
			n, err := d.Replayer.ReplayDeadLetters(ctx, storage.Direction(direction), limit)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("replayed %d %s dead letters", n, direction), nil
		},
	}
}

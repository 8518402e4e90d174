package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// NewSkillsListTool builds skills.list, reporting discovered skills and which
// are enabled for the current chat.
func NewSkillsListTool(d Deps) *Tool {
	return &Tool{
		Name:        "skills.list",
		Description: "List available skills and which are enabled for this chat.",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			enabled := map[string]bool{}
			if inv.ChatFk != 0 {
				state, err := d.Store.GetConversationState(ctx, inv.ChatFk)
				if err != nil {
					return "", err
				}
				for _, name := range state.EnabledSkills {
					enabled[name] = true
				}
			}

			type view struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Always      bool   `json:"always"`
				Enabled     bool   `json:"enabled"`
			}
			var views []view
			for _, s := range d.Skills.List() {
				views = append(views, view{
					Name:        s.Name,
					Description: s.Description,
					Always:      s.Always,
					Enabled:     s.Always || enabled[s.Name],
				})
			}
			out, err := json.Marshal(views)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

func skillNameSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Skill name"},
		},
		"required": []string{"name"},
	}
}

// NewSkillsEnableTool builds skills.enable for the current chat.
func NewSkillsEnableTool(d Deps) *Tool {
	return &Tool{
		Name:        "skills.enable",
		Description: "Enable a skill for this chat.",
		Schema:      skillNameSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			if inv.ChatFk == 0 {
				return "", fmt.Errorf("skills.enable requires a chat-bound invocation")
			}
			name, _ := args["name"].(string)
			if _, ok := d.Skills.Get(name); !ok {
				return "", fmt.Errorf("skill not found: %s", name)
			}

			state, err := d.Store.GetConversationState(ctx, inv.ChatFk)
			if err != nil {
				return "", err
			}
			if slices.Contains(state.EnabledSkills, name) {
				return fmt.Sprintf("skill %s already enabled", name), nil
			}
			updated := append(state.EnabledSkills, name)
			if err := d.Store.SetEnabledSkills(ctx, inv.ChatFk, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("skill %s enabled", name), nil
		},
	}
}

// NewSkillsDisableTool builds skills.disable for the current chat.
func NewSkillsDisableTool(d Deps) *Tool {
	return &Tool{
		Name:        "skills.disable",
		Description: "Disable a skill for this chat.",
		Schema:      skillNameSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			if inv.ChatFk == 0 {
				return "", fmt.Errorf("skills.disable requires a chat-bound invocation")
			}
			name, _ := args["name"].(string)

			state, err := d.Store.GetConversationState(ctx, inv.ChatFk)
			if err != nil {
				return "", err
			}
			if !slices.Contains(state.EnabledSkills, name) {
				return fmt.Sprintf("skill %s was not enabled", name), nil
			}
			updated := slices.DeleteFunc(slices.Clone(state.EnabledSkills), func(s string) bool { return s == name })
			if err := d.Store.SetEnabledSkills(ctx, inv.ChatFk, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("skill %s disabled", name), nil
		},
	}
}

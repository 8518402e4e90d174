package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

const scheduledPrefix = "[Scheduled Task] "

// ContextBuilder assembles the model input for one inbound turn: workspace
// prompt files, skills, conversation state, bounded history, and the token
// budget pass.
type ContextBuilder struct {
	cfg       *config.Config
	store     *storage.Store
	workspace *workspace.Workspace
	skills    *skills.Loader
}

// NewContextBuilder creates a builder over the shared collaborators.
func NewContextBuilder(cfg *config.Config, store *storage.Store, ws *workspace.Workspace, loader *skills.Loader) *ContextBuilder {
	return &ContextBuilder{cfg: cfg, store: store, workspace: ws, skills: loader}
}

// Build returns the full message list for an inbound envelope, already
// reduced to the token budget.
func (c *ContextBuilder) Build(ctx context.Context, env bus.Envelope, chatFk int64) ([]*schema.Message, error) {
	mode := DeriveRunMode(env)

	var state *storage.ConversationState
	if mode.IncludesChatContext() && chatFk != 0 {
		var err error
		state, err = c.store.GetConversationState(ctx, chatFk)
		if err != nil {
			return nil, fmt.Errorf("load conversation state: %w", err)
		}
	}

	messages := []*schema.Message{{
		Role:    schema.System,
		Content: c.systemPrompt(mode, env.Channel, env.ChatID, state),
	}}

	if mode.IncludesChatContext() && chatFk != 0 {
		history, err := c.store.RecentMessages(ctx, chatFk, c.cfg.HistoryMaxMessages)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		for _, h := range history {
			if strings.TrimSpace(h.Content) == "" {
				continue
			}
			switch h.Role {
			case "user":
				messages = append(messages, &schema.Message{Role: schema.User, Content: h.Content})
			case "assistant":
				messages = append(messages, &schema.Message{Role: schema.Assistant, Content: h.Content})
			}
		}
	}

	content := env.Content
	if mode.Kind == KindScheduled {
		content = scheduledPrefix + content
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: content})

	return applyBudget(messages, c.budget()), nil
}

func (c *ContextBuilder) budget() int {
	b := c.cfg.Provider.MaxInputTokens - c.cfg.Provider.ReserveOutputTokens
	if b < 256 {
		b = 256
	}
	return b
}

// systemPrompt joins the non-empty prompt sections with blank lines. Chat
// memory and the conversation summary only join when the run carries chat
// context.
func (c *ContextBuilder) systemPrompt(mode RunMode, channel, chatID string, state *storage.ConversationState) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	add(c.workspace.ReadOptional(workspace.IdentityFile))
	add(c.workspace.ReadOptional(workspace.ToolPolicyFile))
	add(c.workspace.ReadOptional(workspace.UserFile))
	add(c.workspace.ReadOptional(workspace.GlobalMemory))

	if mode.IncludesChatContext() && channel != "" && chatID != "" {
		add(c.workspace.ReadOptional(c.workspace.ChatMemoryPath(channel, chatID)))
	}

	add(c.skills.Index())

	enabled := map[string]bool{}
	if state != nil {
		for _, name := range state.EnabledSkills {
			enabled[name] = true
		}
	}
	for _, s := range c.skills.List() {
		if !s.Always {
			continue
		}
		if body, err := c.skills.Load(s.Name); err == nil {
			add(body)
		}
	}
	for _, s := range c.skills.List() {
		if s.Always || !enabled[s.Name] {
			continue
		}
		if body, err := c.skills.Load(s.Name); err == nil {
			add(body)
		}
	}

	if mode.IncludesChatContext() && state != nil {
		add(state.Summary)
	}

	return strings.Join(parts, "\n\n")
}

package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

func builderFixture(t *testing.T) (*ContextBuilder, *storage.Store, *workspace.Workspace, int64) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "t.sqlite"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	wsRoot := filepath.Join(dir, "workspace")
	ws, err := workspace.Open(wsRoot)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.HistoryMaxMessages = 10
	cfg.Provider.MaxInputTokens = 100000
	cfg.Provider.ReserveOutputTokens = 1000

	chat, err := store.GetOrCreateChat(context.Background(), "cli", "chat-1")
	if err != nil {
		t.Fatal(err)
	}

	b := NewContextBuilder(cfg, store, ws, skills.NewLoader(ws.Root()))
	return b, store, ws, chat.ID
}

func writeWorkspaceFile(t *testing.T, ws *workspace.Workspace, path, content string) {
	t.Helper()
	if err := ws.WriteFile(path, []byte(content), false); err != nil {
		t.Fatal(err)
	}
}

func TestBuildOrdersSystemSections(t *testing.T) {
	b, _, ws, chatFk := builderFixture(t)
	writeWorkspaceFile(t, ws, workspace.IdentityFile, "I am Coreclaw.")
	writeWorkspaceFile(t, ws, workspace.ToolPolicyFile, "Use tools sparingly.")
	writeWorkspaceFile(t, ws, workspace.UserFile, "The user likes Go.")
	writeWorkspaceFile(t, ws, workspace.GlobalMemory, "Global fact.")
	writeWorkspaceFile(t, ws, "memory/cli_chat-1.md", "Chat fact.")

	msgs, err := b.Build(context.Background(), bus.Envelope{Channel: "cli", ChatID: "chat-1", Content: "hi"}, chatFk)
	if err != nil {
		t.Fatal(err)
	}
	system := msgs[0].Content
	order := []string{"I am Coreclaw.", "Use tools sparingly.", "The user likes Go.", "Global fact.", "Chat fact."}
	last := -1
	for _, section := range order {
		idx := strings.Index(system, section)
		if idx < 0 {
			t.Fatalf("missing section %q in %q", section, system)
		}
		if idx < last {
			t.Fatalf("section %q out of order", section)
		}
		last = idx
	}
}

func TestBuildOmitsChatContextForIsolatedRuns(t *testing.T) {
	b, store, ws, chatFk := builderFixture(t)
	writeWorkspaceFile(t, ws, "memory/cli_chat-1.md", "Chat fact.")
	if err := store.SetConversationSummary(context.Background(), chatFk, "Earlier we discussed weather."); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendMessage(context.Background(), chatFk, "user", "u1", "old question"); err != nil {
		t.Fatal(err)
	}

	env := bus.Envelope{
		Channel: "cli", ChatID: "chat-1", Content: "run it",
		Metadata: map[string]any{"isScheduledTask": true, "contextMode": "isolated"},
	}
	msgs, err := b.Build(context.Background(), env, chatFk)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(msgs[0].Content, "Chat fact.") || strings.Contains(msgs[0].Content, "Earlier we discussed") {
		t.Fatalf("isolated run leaked chat context: %q", msgs[0].Content)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user only", len(msgs))
	}
	if msgs[1].Content != "[Scheduled Task] run it" {
		t.Fatalf("user message = %q", msgs[1].Content)
	}
}

func TestBuildIncludesFilteredHistory(t *testing.T) {
	b, store, _, chatFk := builderFixture(t)
	ctx := context.Background()
	for _, m := range []struct{ role, content string }{
		{"user", "first"},
		{"assistant", "reply"},
		{"system", "internal note"},
		{"user", "   "},
	} {
		if _, err := store.AppendMessage(ctx, chatFk, m.role, "s", m.content); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := b.Build(ctx, bus.Envelope{Channel: "cli", ChatID: "chat-1", Content: "now"}, chatFk)
	if err != nil {
		t.Fatal(err)
	}
	// system + 2 surviving history turns + current user message
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[1].Content != "first" || msgs[1].Role != schema.User {
		t.Fatalf("history[0] = %+v", msgs[1])
	}
	if msgs[2].Content != "reply" || msgs[2].Role != schema.Assistant {
		t.Fatalf("history[1] = %+v", msgs[2])
	}
}

func TestBuildInjectsSkills(t *testing.T) {
	b, store, ws, chatFk := builderFixture(t)
	skillDir := filepath.Join(ws.Root(), "skills", "weather")
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	body := "---\nname: weather\ndescription: Query weather\n---\nAlways check the forecast."
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	msgs, err := b.Build(ctx, bus.Envelope{Channel: "cli", ChatID: "chat-1", Content: "hi"}, chatFk)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0].Content, "- weather: Query weather") {
		t.Fatalf("skills index missing: %q", msgs[0].Content)
	}
	if strings.Contains(msgs[0].Content, "Always check the forecast.") {
		t.Fatal("disabled skill body should not be injected")
	}

	if err := store.SetEnabledSkills(ctx, chatFk, []string{"weather"}); err != nil {
		t.Fatal(err)
	}
	msgs, err = b.Build(ctx, bus.Envelope{Channel: "cli", ChatID: "chat-1", Content: "hi"}, chatFk)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0].Content, "Always check the forecast.") {
		t.Fatal("enabled skill body missing")
	}
}

func TestDeriveRunMode(t *testing.T) {
	cases := []struct {
		meta map[string]any
		want RunMode
	}{
		{nil, RunMode{Kind: KindChat, ContextMode: ContextGroup}},
		{map[string]any{"isHeartbeat": true}, RunMode{Kind: KindHeartbeat, ContextMode: ContextGroup}},
		{map[string]any{"isScheduledTask": true}, RunMode{Kind: KindScheduled, ContextMode: ContextGroup}},
		{map[string]any{"isScheduledTask": true, "contextMode": "isolated"}, RunMode{Kind: KindScheduled, ContextMode: ContextIsolated}},
	}
	for _, tc := range cases {
		got := DeriveRunMode(bus.Envelope{Metadata: tc.meta})
		if got != tc.want {
			t.Fatalf("DeriveRunMode(%v) = %+v, want %+v", tc.meta, got, tc.want)
		}
	}
	if !(RunMode{Kind: KindHeartbeat, ContextMode: ContextGroup}).IncludesChatContext() {
		t.Fatal("heartbeat group run should include chat context")
	}
	if (RunMode{Kind: KindScheduled, ContextMode: ContextIsolated}).IncludesChatContext() {
		t.Fatal("isolated scheduled run should not include chat context")
	}
}

package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestShellRequiresAdmin(t *testing.T) {
	e := NewEvaluator(nil)

	err := e.Check(Input{Tool: "shell.exec", Role: RoleNormal})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.RequiredRole != RoleAdmin || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("error: %v", err)
	}

	if err := e.Check(Input{Tool: "shell.exec", Role: RoleAdmin}); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
}

func TestProtectedPaths(t *testing.T) {
	e := NewEvaluator(nil)

	protected := []string{
		"IDENTITY.md", "TOOLS.md", "USER.md", ".mcp.json",
		"skills/calc/SKILL.md", "skills", "./IDENTITY.md", "notes/../IDENTITY.md",
	}
	for _, p := range protected {
		err := e.Check(Input{Tool: "fs.write", Role: RoleNormal, Args: map[string]any{"path": p}})
		if err == nil {
			t.Errorf("path %q: expected denial", p)
		}
	}

	open := []string{"notes.md", "memory/chat.md", "skillset.md", "sub/IDENTITY.md"}
	for _, p := range open {
		err := e.Check(Input{Tool: "fs.write", Role: RoleNormal, Args: map[string]any{"path": p}})
		if err != nil {
			t.Errorf("path %q: unexpected denial: %v", p, err)
		}
	}

	err := e.Check(Input{Tool: "fs.write", Role: RoleAdmin, Args: map[string]any{"path": "IDENTITY.md"}})
	if err != nil {
		t.Fatalf("admin write to protected path: %v", err)
	}
}

func TestGlobalMemoryRequiresAdmin(t *testing.T) {
	e := NewEvaluator(nil)

	if err := e.Check(Input{Tool: "memory.write", Role: RoleNormal, Args: map[string]any{"scope": "global"}}); err == nil {
		t.Fatal("expected denial")
	}
	if err := e.Check(Input{Tool: "memory.write", Role: RoleNormal, Args: map[string]any{"scope": "chat"}}); err != nil {
		t.Fatalf("chat scope: %v", err)
	}
}

func TestCrossChatSendRequiresAdmin(t *testing.T) {
	e := NewEvaluator(nil)
	base := Input{Tool: "message.send", Role: RoleNormal, Channel: "cli", ChatID: "local"}

	same := base
	same.Args = map[string]any{"channel": "cli", "chatId": "local"}
	if err := e.Check(same); err != nil {
		t.Fatalf("same chat: %v", err)
	}

	// Omitted target defaults to the caller's chat.
	implicit := base
	implicit.Args = map[string]any{}
	if err := e.Check(implicit); err != nil {
		t.Fatalf("implicit target: %v", err)
	}

	cross := base
	cross.Args = map[string]any{"channel": "telegram", "chatId": "42"}
	if err := e.Check(cross); err == nil {
		t.Fatal("cross-chat send should be denied")
	}

	cross.Role = RoleAdmin
	if err := e.Check(cross); err != nil {
		t.Fatalf("admin cross-chat: %v", err)
	}
}

func TestMCPRules(t *testing.T) {
	e := NewEvaluator([]string{"search.query", "files/*"})

	if err := e.Check(Input{Tool: "mcp", Role: RoleNormal, MCPServer: "search", MCPTool: "query"}); err == nil {
		t.Fatal("MCP requires admin")
	}
	if err := e.Check(Input{Tool: "mcp", Role: RoleAdmin, MCPServer: "search", MCPTool: "query"}); err != nil {
		t.Fatalf("exact dotted entry: %v", err)
	}
	if err := e.Check(Input{Tool: "mcp", Role: RoleAdmin, MCPServer: "files", MCPTool: "read"}); err != nil {
		t.Fatalf("glob entry: %v", err)
	}
	if err := e.Check(Input{Tool: "mcp", Role: RoleAdmin, MCPServer: "other", MCPTool: "run"}); err == nil {
		t.Fatal("unlisted MCP tool should be denied")
	}
}

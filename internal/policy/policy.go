// Package policy decides whether a chat role may run a tool with given
// arguments. Decisions are pure: the evaluator holds configuration only and
// never touches storage or the network.
package policy

import (
	"fmt"
	"path"
	"strings"
)

// Chat roles, mirrored from storage to keep the evaluator dependency-free.
const (
	RoleNormal = "normal"
	RoleAdmin  = "admin"
)

// DeniedError names the role a denied invocation would have needed.
type DeniedError struct {
	Tool         string
	RequiredRole string
	Reason       string
}

func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("policy denied for %s: %s (requires %s role)", e.Tool, e.Reason, e.RequiredRole)
	}
	return fmt.Sprintf("policy denied for %s: requires %s role", e.Tool, e.RequiredRole)
}

// Input is one policy question.
type Input struct {
	Tool string
	Role string
	Args map[string]any

	// Caller identity, for rules that compare against argument targets.
	Channel string
	ChatID  string

	// MCP tool coordinates; empty for builtin tools.
	MCPServer string
	MCPTool   string
}

// Evaluator applies the role rules. The zero value denies MCP everything.
type Evaluator struct {
	protectedPaths []string
	mcpAllowlist   []string
}

// NewEvaluator builds an evaluator. mcpAllowlist entries are exact names or
// globs matched against both "server.tool" and "server/tool" aliases.
func NewEvaluator(mcpAllowlist []string) *Evaluator {
	return &Evaluator{
		protectedPaths: []string{"IDENTITY.md", "TOOLS.md", "USER.md", ".mcp.json"},
		mcpAllowlist:   mcpAllowlist,
	}
}

// Check returns nil when the invocation is allowed and a *DeniedError when
// it is not. chat.register admin elevation is NOT decided here; the
// bootstrap protocol owns it.
func (e *Evaluator) Check(in Input) error {
	isAdmin := in.Role == RoleAdmin

	if in.MCPServer != "" {
		if !isAdmin {
			return &DeniedError{Tool: in.Tool, RequiredRole: RoleAdmin, Reason: "MCP tools are admin-only"}
		}
		if !e.mcpAllowed(in.MCPServer, in.MCPTool) {
			return &DeniedError{
				Tool: in.Tool, RequiredRole: RoleAdmin,
				Reason: fmt.Sprintf("MCP tool %s/%s not in allowlist", in.MCPServer, in.MCPTool),
			}
		}
		return nil
	}

	switch in.Tool {
	case "shell.exec":
		if !isAdmin {
			return &DeniedError{Tool: in.Tool, RequiredRole: RoleAdmin}
		}
	case "fs.write":
		if p, _ := in.Args["path"].(string); !isAdmin && e.isProtectedPath(p) {
			return &DeniedError{Tool: in.Tool, RequiredRole: RoleAdmin, Reason: fmt.Sprintf("path %q is protected", p)}
		}
	case "memory.write":
		if scope, _ := in.Args["scope"].(string); !isAdmin && scope == "global" {
			return &DeniedError{Tool: in.Tool, RequiredRole: RoleAdmin, Reason: "global memory is admin-only"}
		}
	case "message.send":
		targetChannel, _ := in.Args["channel"].(string)
		targetChat, _ := in.Args["chatId"].(string)
		crossChat := (targetChannel != "" && targetChannel != in.Channel) ||
			(targetChat != "" && targetChat != in.ChatID)
		if !isAdmin && crossChat {
			return &DeniedError{Tool: in.Tool, RequiredRole: RoleAdmin, Reason: "sending to another chat"}
		}
	case "bus.replay_dead_letter", "task.delete":
		if !isAdmin {
			return &DeniedError{Tool: in.Tool, RequiredRole: RoleAdmin}
		}
	}
	return nil
}

func (e *Evaluator) isProtectedPath(p string) bool {
	clean := path.Clean(strings.TrimSpace(strings.ReplaceAll(p, "\\", "/")))
	clean = strings.TrimPrefix(clean, "./")
	for _, protected := range e.protectedPaths {
		if clean == protected {
			return true
		}
	}
	return clean == "skills" || strings.HasPrefix(clean, "skills/")
}

// mcpAllowed matches the allowlist against both alias spellings.
func (e *Evaluator) mcpAllowed(server, tool string) bool {
	dotted := server + "." + tool
	slashed := server + "/" + tool
	for _, entry := range e.mcpAllowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == dotted || entry == slashed {
			return true
		}
		if ok, err := path.Match(entry, dotted); err == nil && ok {
			return true
		}
		if ok, err := path.Match(entry, slashed); err == nil && ok {
			return true
		}
	}
	return false
}

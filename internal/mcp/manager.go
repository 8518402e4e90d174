package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/tools"
)

const (
	reconnectMaxAttempts = 3
	reconnectBaseBackoff = 250 * time.Millisecond
)

type serverState struct {
	cfg    ServerConfig
	client Client
	tools  []ToolDefinition
	status ServerStatus
}

// Manager owns the configured servers and the proxy tools registered for
// their discovered tools. A failing server degrades; it never fails startup.
type Manager struct {
	mu         sync.RWMutex
	connectors Connectors
	servers    map[string]*serverState
}

// NewManager builds a manager over the given server definitions.
func NewManager(servers map[string]ServerConfig, connectors Connectors) *Manager {
	state := make(map[string]*serverState, len(servers))
	for name, cfg := range servers {
		state[name] = &serverState{
			cfg:    cfg,
			status: ServerStatus{Name: name, Transport: cfg.Transport},
		}
	}
	return &Manager{connectors: connectors, servers: state}
}

// DefaultConnectors returns the production transports.
func DefaultConnectors() Connectors {
	return Connectors{
		Stdio:   stdioConnector{},
		HTTPSSE: httpSSEConnector{client: &http.Client{Timeout: 30 * time.Second}},
	}
}

// Connect dials every server and discovers its tools. Individual failures
// mark the server degraded.
func (m *Manager) Connect(ctx context.Context) error {
	for _, name := range m.serverNames() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg, ok := m.serverConfig(name)
		if !ok {
			continue
		}
		client, discovered, err := m.dial(ctx, name, cfg)
		if err != nil {
			slog.Warn("mcp server unavailable", "server", name, "error", err)
			m.markDegraded(name, fmt.Sprintf("connect failed: %v", err))
			continue
		}
		m.markConnected(name, client, discovered, "")
		slog.Info("mcp server connected", "server", name, "tools", len(discovered))
	}
	return nil
}

// RegisterTools adds a proxy tool per discovered remote tool. Proxy names are
// mcp.<server>.<tool>; the server/tool pair rides along for policy and
// telemetry.
func (m *Manager) RegisterTools(reg *tools.Registry) error {
	m.mu.RLock()
	var entries []*tools.Tool
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, serverName := range names {
		state := m.servers[serverName]
		if state == nil || state.client == nil || state.status.Degraded {
			continue
		}
		for _, td := range state.tools {
			entries = append(entries, m.proxyTool(serverName, td))
		}
	}
	m.mu.RUnlock()

	for _, entry := range entries {
		if err := reg.Register(entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) proxyTool(serverName string, td ToolDefinition) *tools.Tool {
	desc := td.Description
	if desc == "" {
		desc = td.Name
	}
	toolName := td.Name
	return &tools.Tool{
		Name:        fmt.Sprintf("mcp.%s.%s", serverName, toolName),
		Description: desc,
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": true,
		},
		MCPServer: serverName,
		MCPTool:   toolName,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			raw, err := json.Marshal(args)
			if err != nil {
				return "", err
			}
			return m.CallTool(ctx, serverName, toolName, string(raw))
		},
	}
}

// CallTool routes one call to the server, reconnecting with bounded backoff
// when the session is degraded or the call fails.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName, argsJSON string) (string, error) {
	client, err := m.connectedClient(ctx, serverName)
	if err != nil {
		return "", err
	}

	result, callErr := client.CallTool(ctx, toolName, argsJSON)
	if callErr == nil {
		return renderResult(result), nil
	}

	if err := m.reconnect(ctx, serverName, fmt.Sprintf("tool call failed: %v", callErr)); err != nil {
		return "", fmt.Errorf("mcp server %s call failed: %v; reconnect failed: %w", serverName, callErr, err)
	}
	client, err = m.currentClient(serverName)
	if err != nil {
		return "", err
	}
	result, callErr = client.CallTool(ctx, toolName, argsJSON)
	if callErr != nil {
		m.markDegraded(serverName, fmt.Sprintf("tool call failed after reconnect: %v", callErr))
		return "", fmt.Errorf("mcp server %s call failed after reconnect: %w", serverName, callErr)
	}
	return renderResult(result), nil
}

// Statuses reports per-server state, sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, state := range m.servers {
		out = append(out, state.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) connectedClient(ctx context.Context, serverName string) (Client, error) {
	m.mu.RLock()
	state := m.servers[serverName]
	if state == nil {
		m.mu.RUnlock()
		return nil, fmt.Errorf("mcp server not found: %s", serverName)
	}
	client := state.client
	degraded := state.status.Degraded
	reason := state.status.Message
	m.mu.RUnlock()

	if client != nil && !degraded {
		return client, nil
	}
	if reason == "" {
		reason = "server not connected"
	}
	if err := m.reconnect(ctx, serverName, reason); err != nil {
		return nil, fmt.Errorf("mcp server %s unavailable: %w", serverName, err)
	}
	return m.currentClient(serverName)
}

func (m *Manager) currentClient(serverName string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.servers[serverName]
	if state == nil {
		return nil, fmt.Errorf("mcp server not found: %s", serverName)
	}
	if state.client == nil {
		return nil, fmt.Errorf("mcp server %s is not connected", serverName)
	}
	return state.client, nil
}

func (m *Manager) reconnect(ctx context.Context, serverName, reason string) error {
	cfg, ok := m.serverConfig(serverName)
	if !ok {
		return fmt.Errorf("mcp server not found: %s", serverName)
	}

	var lastErr error
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt-1)*reconnectBaseBackoff); err != nil {
				return err
			}
		}
		client, discovered, err := m.dial(ctx, serverName, cfg)
		if err == nil {
			m.markConnected(serverName, client, discovered, fmt.Sprintf("recovered after %d attempt(s)", attempt))
			return nil
		}
		lastErr = err
	}
	m.markDegraded(serverName, fmt.Sprintf("%s; reconnect failed: %v", strings.TrimSpace(reason), lastErr))
	return fmt.Errorf("reconnect failed after %d attempts: %w", reconnectMaxAttempts, lastErr)
}

func (m *Manager) dial(ctx context.Context, serverName string, cfg ServerConfig) (Client, []ToolDefinition, error) {
	var connector Connector
	switch cfg.Transport {
	case TransportStdio:
		connector = m.connectors.Stdio
	case TransportHTTPSSE:
		connector = m.connectors.HTTPSSE
	}
	if connector == nil {
		return nil, nil, fmt.Errorf("no connector for transport %q", cfg.Transport)
	}
	client, err := connector.Connect(ctx, serverName, cfg)
	if err != nil {
		return nil, nil, err
	}
	discovered, err := client.ListTools(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return client, discovered, nil
}

func (m *Manager) markConnected(name string, client Client, discovered []ToolDefinition, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.servers[name]
	if state == nil {
		return
	}
	state.client = client
	state.tools = append([]ToolDefinition(nil), discovered...)
	state.status.Connected = true
	state.status.Degraded = false
	state.status.ToolCount = len(discovered)
	state.status.Message = message
}

func (m *Manager) markDegraded(name, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.servers[name]
	if state == nil {
		return
	}
	state.client = nil
	state.tools = nil
	state.status.Connected = false
	state.status.Degraded = true
	state.status.ToolCount = 0
	state.status.Message = msg
}

func (m *Manager) serverNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) serverConfig(name string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.servers[name]
	if state == nil {
		return ServerConfig{}, false
	}
	return state.cfg, true
}

// renderResult flattens a tool result into the string the model sees.
func renderResult(v any) string {
	switch value := v.(type) {
	case nil:
		return "(no output)"
	case string:
		if text := strings.TrimSpace(value); text != "" {
			return text
		}
		return "(no output)"
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		text := strings.TrimSpace(string(data))
		if text == "" || text == "null" {
			return "(no output)"
		}
		return text
	}
}

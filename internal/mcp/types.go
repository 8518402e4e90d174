// Package mcp connects to external MCP servers, discovers their tools, and
// proxies them into the tool registry. Proxied tools carry the server/tool
// coordinates so policy and telemetry treat them as MCP calls.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	TransportStdio   = "stdio"
	TransportHTTPSSE = "http_sse"
)

// ServerConfig is one server entry from the workspace .mcp.json file.
type ServerConfig struct {
	Transport string            `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Disabled  bool              `json:"disabled"`
}

// LoadServers reads server definitions from a .mcp.json file. A missing file
// yields an empty map.
func LoadServers(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerConfig{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc struct {
		Servers map[string]ServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]ServerConfig, len(doc.Servers))
	for name, cfg := range doc.Servers {
		name = strings.TrimSpace(name)
		if name == "" || cfg.Disabled {
			continue
		}
		if cfg.Transport == "" {
			if strings.TrimSpace(cfg.URL) != "" {
				cfg.Transport = TransportHTTPSSE
			} else {
				cfg.Transport = TransportStdio
			}
		}
		cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
		out[name] = cfg
	}
	return out, nil
}

// ToolDefinition describes a tool discovered from a server.
type ToolDefinition struct {
	Name        string
	Description string
}

// Client is one connected server session.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, toolName, argsJSON string) (any, error)
}

// Connector dials a server and returns a client.
type Connector interface {
	Connect(ctx context.Context, serverName string, cfg ServerConfig) (Client, error)
}

// Connectors groups the supported transports.
type Connectors struct {
	Stdio   Connector
	HTTPSSE Connector
}

// ServerStatus reports manager state for one configured server.
type ServerStatus struct {
	Name      string
	Transport string
	Connected bool
	Degraded  bool
	ToolCount int
	Message   string
}

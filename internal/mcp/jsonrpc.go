package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coreclaw/coreclaw/internal/version"
)

const (
	jsonRPCVersion     = "2.0"
	mcpProtocolVersion = "2024-11-05"
)

// rpcInvoker is implemented by both transport clients.
type rpcInvoker interface {
	invoke(ctx context.Context, method string, params any) (any, error)
	notify(ctx context.Context, method string, params any) error
}

// initializeSession performs the MCP handshake on a fresh connection.
func initializeSession(ctx context.Context, c rpcInvoker) error {
	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "coreclaw",
			"version": version.Version,
		},
	}
	if _, err := c.invoke(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      id,
		"method":  method,
		"params":  params,
	})
}

func encodeNotification(method string, params any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
	})
}

// decodeResponse parses one json-rpc message. matched is false for
// notifications and responses to other requests.
func decodeResponse(payload []byte, expectedID int64) (result any, matched bool, err error) {
	var envelope struct {
		ID     any       `json:"id"`
		Result any       `json:"result"`
		Error  *rpcError `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, false, fmt.Errorf("decode json-rpc response: %w", err)
	}
	if envelope.ID == nil || normalizeID(envelope.ID) != fmt.Sprintf("%d", expectedID) {
		return nil, false, nil
	}
	if envelope.Error != nil {
		msg := strings.TrimSpace(envelope.Error.Message)
		if msg == "" {
			msg = "json-rpc request failed"
		}
		return nil, true, errors.New(msg)
	}
	return envelope.Result, true, nil
}

func normalizeID(id any) string {
	switch v := id.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decodeToolList extracts tool definitions from a tools/list result.
func decodeToolList(result any) ([]ToolDefinition, error) {
	if result == nil {
		return nil, nil
	}
	var items []any
	if obj, ok := result.(map[string]any); ok {
		items, ok = obj["tools"].([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected tools/list result shape")
		}
	} else if list, ok := result.([]any); ok {
		items = list
	} else {
		return nil, fmt.Errorf("unexpected tools/list result shape")
	}

	defs := make([]ToolDefinition, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(asString(obj["name"]))
		if name == "" {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: strings.TrimSpace(asString(obj["description"])),
		})
	}
	return defs, nil
}

// decodeCallResult unwraps a tools/call result: text content wins, an isError
// flag turns the content into an error.
func decodeCallResult(result any) (any, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return result, nil
	}
	isErr, _ := obj["isError"].(bool)
	if text := textContent(obj["content"]); text != "" {
		if isErr {
			return nil, errors.New(text)
		}
		return text, nil
	}
	if isErr {
		return nil, errors.New("mcp tool call failed")
	}
	if structured, ok := obj["structuredContent"]; ok && structured != nil {
		return structured, nil
	}
	return result, nil
}

func textContent(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok || !strings.EqualFold(asString(obj["type"]), "text") {
			continue
		}
		if text := strings.TrimSpace(asString(obj["text"])); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseToolArgs(argsJSON string) (any, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("invalid tool args json: %w", err)
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	return parsed, nil
}

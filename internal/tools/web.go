package tools

import (
	"context"

	"github.com/coreclaw/coreclaw/internal/sandbox"
)

// NewWebFetchTool builds web.fetch. The URL policy blocks private address
// space and applies the configured domain and port lists.
func NewWebFetchTool(d Deps) *Tool {
	return &Tool{
		Name:        "web.fetch",
		Description: "Fetch a public http(s) URL and return status, headers, and a bounded body.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http or https URL"},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rawURL, _ := args["url"].(string)
			payload := sandbox.FetchPayload{
				URL:              rawURL,
				MaxResponseChars: d.Cfg.MaxToolOutputChars,
				TimeoutMs:        d.Cfg.CommandTimeoutMs,
				AllowedDomains:   d.Cfg.AllowedWebDomains,
				AllowedPorts:     d.Cfg.AllowedWebPorts,
				BlockedPorts:     d.Cfg.BlockedWebPorts,
			}
			if d.Sandbox.Isolates("web.fetch") {
				return d.Sandbox.Execute(ctx, "web.fetch", payload, d.Cfg.CommandTimeoutMs)
			}
			return sandbox.RunFetch(ctx, payload)
		},
	}
}

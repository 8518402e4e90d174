// Package provider constructs the chat model from configuration.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/coreclaw/coreclaw/internal/config"
)

// NewChatModel creates a ChatModel for the configured provider kind.
func NewChatModel(ctx context.Context, p config.ProviderConfig) (model.ChatModel, error) {
	switch p.Kind {
	case "openai":
		return newOpenAIModel(ctx, p)
	case "claude":
		return newClaudeModel(ctx, p)
	case "ollama":
		return newOllamaModel(ctx, p)
	case "":
		return nil, fmt.Errorf("no provider configured: set provider.kind")
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

func newOpenAIModel(ctx context.Context, p config.ProviderConfig) (model.ChatModel, error) {
	if p.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires api_key")
	}
	cfg := &openai.ChatModelConfig{
		Model:       p.Model,
		APIKey:      p.APIKey,
		Temperature: toFloat32Ptr(p.Temperature),
		MaxTokens:   maxTokens(p),
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return openai.NewChatModel(ctx, cfg)
}

func newClaudeModel(ctx context.Context, p config.ProviderConfig) (model.ChatModel, error) {
	if p.APIKey == "" {
		return nil, fmt.Errorf("claude provider requires api_key")
	}
	reserve := p.ReserveOutputTokens
	if reserve <= 0 {
		reserve = 4096
	}
	cfg := &claude.Config{
		APIKey:      p.APIKey,
		Model:       p.Model,
		MaxTokens:   reserve,
		Temperature: toFloat32Ptr(p.Temperature),
	}
	if p.BaseURL != "" {
		cfg.BaseURL = &p.BaseURL
	}
	return claude.NewChatModel(ctx, cfg)
}

func newOllamaModel(ctx context.Context, p config.ProviderConfig) (model.ChatModel, error) {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	cfg := &ollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   p.Model,
	}
	if p.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return ollama.NewChatModel(ctx, cfg)
}

func maxTokens(p config.ProviderConfig) *int {
	if p.ReserveOutputTokens <= 0 {
		return nil
	}
	v := p.ReserveOutputTokens
	return &v
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

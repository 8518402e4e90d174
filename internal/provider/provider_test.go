package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/coreclaw/coreclaw/internal/config"
)

func TestNewChatModelRejectsEmptyKind(t *testing.T) {
	_, err := NewChatModel(context.Background(), config.ProviderConfig{})
	if err == nil || !strings.Contains(err.Error(), "no provider configured") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewChatModelRejectsUnknownKind(t *testing.T) {
	_, err := NewChatModel(context.Background(), config.ProviderConfig{Kind: "bard"})
	if err == nil || !strings.Contains(err.Error(), "unknown provider kind") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewChatModelRequiresAPIKey(t *testing.T) {
	for _, kind := range []string{"openai", "claude"} {
		_, err := NewChatModel(context.Background(), config.ProviderConfig{Kind: kind, Model: "m"})
		if err == nil || !strings.Contains(err.Error(), "api_key") {
			t.Fatalf("kind %s: err = %v", kind, err)
		}
	}
}

func TestNewChatModelOllamaNeedsNoKey(t *testing.T) {
	m, err := NewChatModel(context.Background(), config.ProviderConfig{
		Kind:  "ollama",
		Model: "llama3",
	})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}
	if m == nil {
		t.Fatal("model is nil")
	}
}

func TestMaxTokens(t *testing.T) {
	if got := maxTokens(config.ProviderConfig{}); got != nil {
		t.Fatalf("maxTokens = %v, want nil", got)
	}
	if got := maxTokens(config.ProviderConfig{ReserveOutputTokens: 512}); got == nil || *got != 512 {
		t.Fatalf("maxTokens = %v, want 512", got)
	}
}

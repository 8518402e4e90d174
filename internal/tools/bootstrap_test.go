package tools

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

func bootstrapFixture(t *testing.T, cfg *config.Config) (*Bootstrap, *storage.Store, int64, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "t.sqlite"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	chat, err := store.GetOrCreateChat(context.Background(), "cli", "chat-1")
	if err != nil {
		t.Fatal(err)
	}

	b := NewBootstrap(cfg, store, nil)
	b.now = func() time.Time { return now }
	return b, store, chat.ID, &now
}

func bootstrapConfig() *config.Config {
	return &config.Config{
		AdminBootstrapKey:            "s3cret",
		AdminBootstrapSingleUse:      true,
		AdminBootstrapMaxAttempts:    3,
		AdminBootstrapLockoutMinutes: 15,
	}
}

func TestBootstrapElevatesOnCorrectKey(t *testing.T) {
	b, store, chatID, _ := bootstrapFixture(t, bootstrapConfig())
	ctx := context.Background()

	if err := b.Attempt(ctx, chatID, "s3cret"); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	chat, err := store.GetChatByID(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.Role != storage.RoleAdmin || !chat.Registered {
		t.Fatalf("chat = %+v, want registered admin", chat)
	}

	// Single use: a second chat cannot bootstrap even with the right key.
	other, err := store.GetOrCreateChat(ctx, "cli", "chat-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Attempt(ctx, other.ID, "s3cret"); err == nil {
		t.Fatal("expected rejection after single use")
	}
}

func TestBootstrapRejectsWhenAdminExists(t *testing.T) {
	cfg := bootstrapConfig()
	cfg.AdminBootstrapSingleUse = false
	b, store, chatID, _ := bootstrapFixture(t, cfg)
	ctx := context.Background()

	other, err := store.GetOrCreateChat(ctx, "cli", "chat-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RegisterChat(ctx, other.ID, storage.RoleAdmin); err != nil {
		t.Fatal(err)
	}

	if err := b.Attempt(ctx, chatID, "s3cret"); err == nil {
		t.Fatal("expected rejection while an admin exists")
	}
}

func TestBootstrapRejectsWithoutConfiguredKey(t *testing.T) {
	cfg := bootstrapConfig()
	cfg.AdminBootstrapKey = ""
	b, _, chatID, _ := bootstrapFixture(t, cfg)

	if err := b.Attempt(context.Background(), chatID, "anything"); err == nil {
		t.Fatal("expected rejection with no key configured")
	}
}

func TestBootstrapLockoutAfterRepeatedFailures(t *testing.T) {
	b, store, chatID, now := bootstrapFixture(t, bootstrapConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Attempt(ctx, chatID, "wrong"); err == nil {
			t.Fatal("expected rejection for wrong key")
		}
	}

	// Locked out now, even with the right key.
	if err := b.Attempt(ctx, chatID, "s3cret"); err == nil {
		t.Fatal("expected lockout rejection")
	}

	// Past the lockout window the right key works again.
	*now = now.Add(16 * time.Minute)
	if err := b.Attempt(ctx, chatID, "s3cret"); err != nil {
		t.Fatalf("Attempt after lockout: %v", err)
	}
	chat, err := store.GetChatByID(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.Role != storage.RoleAdmin {
		t.Fatalf("role = %s, want admin", chat.Role)
	}
}

func TestBootstrapFailureCounterResetsAfterLockout(t *testing.T) {
	b, _, chatID, now := bootstrapFixture(t, bootstrapConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Attempt(ctx, chatID, "wrong")
	}
	*now = now.Add(16 * time.Minute)

	// Two more failures stay below the fresh threshold.
	b.Attempt(ctx, chatID, "wrong")
	b.Attempt(ctx, chatID, "wrong")
	if err := b.Attempt(ctx, chatID, "s3cret"); err != nil {
		t.Fatalf("Attempt below threshold: %v", err)
	}
}

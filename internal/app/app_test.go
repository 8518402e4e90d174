package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coreclaw/coreclaw/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.WorkspaceDir = filepath.Join(dir, "workspace")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Provider.Kind = ""
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	for _, name := range []string{"shell.exec", "fs.read", "fs.write", "memory.read", "memory.write",
		"message.send", "task.create", "task.list", "skills.list", "bus.replay_dead_letter", "chat.register"} {
		if _, ok := a.Registry.Get(name); !ok {
			t.Fatalf("builtin %s not registered", name)
		}
	}
	if a.Heartbeat != nil {
		t.Fatal("heartbeat constructed while disabled")
	}
	if a.Obs != nil {
		t.Fatal("observability server constructed while disabled")
	}
	if len(a.Channels.Names()) != 0 {
		t.Fatalf("channels = %v", a.Channels.Names())
	}
}

func TestEnabledComponentsConstructed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Heartbeat.Enabled = true
	cfg.Webhook.Enabled = true
	cfg.Webhook.AuthToken = "token"
	cfg.Observability.HTTP.Enabled = true

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	if a.Heartbeat == nil {
		t.Fatal("heartbeat not constructed")
	}
	if a.Obs == nil {
		t.Fatal("observability server not constructed")
	}
	names := a.Channels.Names()
	if len(names) != 1 || names[0] != "webhook" {
		t.Fatalf("channels = %v", names)
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	a.Stop(context.Background())
	a.Stop(context.Background()) // second stop is a no-op
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.SecurityProfile = "hardened"
	cfg.AllowShell = true

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("hardened profile with allow_shell accepted")
	}
}

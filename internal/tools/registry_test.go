package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/policy"
	"github.com/coreclaw/coreclaw/internal/storage"
)

func testRegistry(t *testing.T, maxOutput int) *Registry {
	t.Helper()
	return NewRegistry(policy.NewEvaluator(nil), nil, maxOutput)
}

func chatCtx(role string) context.Context {
	return WithInvocationContext(context.Background(), InvocationContext{
		Channel: "cli", ChatID: "chat-1", ChatFk: 1, Role: role, SenderID: "user-1",
	})
}

func TestExecuteRejectsBadArgs(t *testing.T) {
	r := testRegistry(t, 0)
	err := r.Register(&Tool{
		Name: "echo",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Execute(chatCtx("normal"), "echo", `{}`)
	var badArgs *BadArgsError
	if !errors.As(err, &badArgs) {
		t.Fatalf("err = %v, want BadArgsError", err)
	}

	_, err = r.Execute(chatCtx("normal"), "echo", `not json`)
	if !errors.As(err, &badArgs) {
		t.Fatalf("err = %v, want BadArgsError for invalid JSON", err)
	}

	out, err := r.Execute(chatCtx("normal"), "echo", `{"text":"hi"}`)
	if err != nil || out != "hi" {
		t.Fatalf("out = %q err = %v", out, err)
	}
}

func TestExecuteEnforcesPolicy(t *testing.T) {
	r := testRegistry(t, 0)
	called := false
	if err := r.Register(&Tool{
		Name: "shell.exec",
		Handler: func(context.Context, map[string]any) (string, error) {
			called = true
			return "ran", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Execute(chatCtx("normal"), "shell.exec", `{}`)
	var denied *policy.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if called {
		t.Fatal("handler ran despite denial")
	}

	if _, err := r.Execute(chatCtx("admin"), "shell.exec", `{}`); err != nil {
		t.Fatalf("admin call failed: %v", err)
	}
	if !called {
		t.Fatal("handler did not run for admin")
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	r := testRegistry(t, 10)
	if err := r.Register(&Tool{
		Name: "big",
		Handler: func(context.Context, map[string]any) (string, error) {
			return strings.Repeat("x", 50), nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(chatCtx("normal"), "big", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Repeat("x", 10) + "\n...truncated"
	if out != want {
		t.Fatalf("out = %q, want %q", out, want)
	}
}

func TestExecuteAuditsOutcomes(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "t.sqlite"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	recorder := audit.NewRecorder(store)
	r := NewRegistry(policy.NewEvaluator(nil), recorder, 0)
	if err := r.Register(&Tool{
		Name: "flaky",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("boom")
		},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Execute(chatCtx("normal"), "flaky", `{}`); err == nil {
		t.Fatal("expected handler error")
	}

	events, err := store.ListAuditEvents(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Outcome != audit.OutcomeError || events[0].ToolName != "flaky" {
		t.Fatalf("event = %+v", events[0])
	}
}

type recordedObservation struct {
	name    string
	outcome string
}

type fakeObserver struct {
	tools []recordedObservation
	mcp   []recordedObservation
}

func (f *fakeObserver) ObserveTool(name, outcome string, _ time.Duration) {
	f.tools = append(f.tools, recordedObservation{name, outcome})
}

func (f *fakeObserver) ObserveMCP(server, outcome string) {
	f.mcp = append(f.mcp, recordedObservation{server, outcome})
}

func TestExecuteNotifiesObserver(t *testing.T) {
	r := testRegistry(t, 0)
	obs := &fakeObserver{}
	r.SetObserver(obs)

	if err := r.Register(&Tool{
		Name:      "remote",
		MCPServer: "files",
		MCPTool:   "read",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "ok", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Execute(chatCtx("admin"), "remote", `{}`); err != nil {
		t.Fatal(err)
	}
	if len(obs.tools) != 1 || obs.tools[0] != (recordedObservation{"remote", audit.OutcomeOK}) {
		t.Fatalf("tool observations = %+v", obs.tools)
	}
	if len(obs.mcp) != 1 || obs.mcp[0] != (recordedObservation{"files", audit.OutcomeOK}) {
		t.Fatalf("mcp observations = %+v", obs.mcp)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := testRegistry(t, 0)
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(&Tool{Name: name, Handler: func(context.Context, map[string]any) (string, error) { return "", nil }}); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	for _, tl := range r.List() {
		got = append(got, tl.Name)
	}
	if strings.Join(got, ",") != "c,a,b" {
		t.Fatalf("order = %v", got)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := testRegistry(t, 0)
	tool := func() *Tool {
		return &Tool{Name: "dup", Handler: func(context.Context, map[string]any) (string, error) { return "", nil }}
	}
	if err := r.Register(tool()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(tool()); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

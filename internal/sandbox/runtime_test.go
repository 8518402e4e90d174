package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
)

func testIsolationConfig() config.IsolationConfig {
	return config.IsolationConfig{
		Enabled:                  true,
		ToolNames:                []string{"shell.exec", "web.fetch", "fs.write"},
		WorkerTimeoutMs:          5000,
		MaxWorkerOutputChars:     64 * 1024,
		MaxConcurrentWorkers:     2,
		OpenCircuitAfterFailures: 3,
		CircuitResetMs:           60000,
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newCircuitBreaker(3, 60000, func() time.Time { return now })

	if err := b.allow("shell.exec"); err != nil {
		t.Fatalf("fresh breaker: %v", err)
	}
	b.recordFailure("shell.exec")
	b.recordFailure("shell.exec")
	if err := b.allow("shell.exec"); err != nil {
		t.Fatalf("below threshold: %v", err)
	}
	b.recordFailure("shell.exec")
	err := b.allow("shell.exec")
	if err == nil {
		t.Fatal("expected open circuit")
	}
	if !strings.Contains(err.Error(), "circuit open for shell.exec") {
		t.Fatalf("error %q missing reopen info", err)
	}

	// Other tools are unaffected.
	if err := b.allow("web.fetch"); err != nil {
		t.Fatalf("independent tool: %v", err)
	}

	// After the cooldown one probe is allowed; success closes the circuit.
	now = now.Add(2 * time.Minute)
	if err := b.allow("shell.exec"); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	b.recordSuccess("shell.exec")
	b.recordFailure("shell.exec")
	if err := b.allow("shell.exec"); err != nil {
		t.Fatal("single failure after success should not trip")
	}
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newCircuitBreaker(3, 60000, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		b.recordFailure("shell.exec")
	}
	now = now.Add(2 * time.Minute)
	if err := b.allow("shell.exec"); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	b.recordFailure("shell.exec")
	if err := b.allow("shell.exec"); err == nil {
		t.Fatal("failed probe should re-open immediately")
	}
}

func TestCappedBuffer(t *testing.T) {
	c := &cappedBuffer{cap: newOutputCap(5)}
	n, _ := c.Write([]byte("abcdefgh"))
	if n != 8 {
		t.Fatalf("Write returned %d, want 8", n)
	}
	if c.String() != "abcde" || !c.cap.overflowed() {
		t.Fatalf("buffer %q overflow=%v", c.String(), c.cap.overflowed())
	}
}

func TestOutputBudgetSharedAcrossStreams(t *testing.T) {
	budget := newOutputCap(10)
	stdout := &cappedBuffer{cap: budget}
	stderr := &cappedBuffer{cap: budget}

	stdout.Write([]byte("abcdefgh"))
	stderr.Write([]byte("wxyz"))

	if stdout.String() != "abcdefgh" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	// Only two bytes of budget remained for the second stream.
	if stderr.String() != "wx" {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if !budget.overflowed() {
		t.Fatal("combined accumulation past the budget must mark overflow")
	}
}

func TestServeWorkerShell(t *testing.T) {
	req, _ := json.Marshal(workerRequest{
		Tool:    "shell.exec",
		Payload: mustJSON(t, ShellPayload{Command: "echo hello", TimeoutMs: 5000, MaxOutputChars: 1024}),
	})

	var out bytes.Buffer
	if err := ServeWorker(bytes.NewReader(req), &out); err != nil {
		t.Fatalf("ServeWorker: %v", err)
	}

	var resp workerResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("worker error: %s", resp.Error)
	}
	var res ShellResult
	if err := json.Unmarshal([]byte(resp.Result), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" || res.ExitCode != 0 {
		t.Fatalf("result: %+v", res)
	}
}

func TestServeWorkerUnknownTool(t *testing.T) {
	req, _ := json.Marshal(workerRequest{Tool: "memory.write", Payload: []byte(`{}`)})
	var out bytes.Buffer
	if err := ServeWorker(bytes.NewReader(req), &out); err != nil {
		t.Fatalf("ServeWorker: %v", err)
	}
	var resp workerResponse
	json.Unmarshal(out.Bytes(), &resp)
	if resp.OK || !strings.Contains(resp.Error, "unknown worker tool") {
		t.Fatalf("response: %+v", resp)
	}
}

func TestRunShellAllowlist(t *testing.T) {
	ctx := context.Background()
	if _, err := RunShell(ctx, ShellPayload{Command: "rm -rf /", AllowedCommands: []string{"echo", "ls"}}); err == nil {
		t.Fatal("expected allowlist rejection")
	}
	if _, err := RunShell(ctx, ShellPayload{Command: `echo "unterminated`, AllowedCommands: nil}); err == nil {
		t.Fatal("expected tokenizer error")
	}
	out, err := RunShell(ctx, ShellPayload{Command: "echo ok", AllowedCommands: []string{"echo"}, TimeoutMs: 5000})
	if err != nil {
		t.Fatalf("RunShell: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("output: %q", out)
	}
}

func TestRunWriteStaysInWorkspace(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	out, err := RunWrite(ctx, WritePayload{WorkspaceDir: dir, Path: "notes/a.md", Content: "hi"})
	if err != nil {
		t.Fatalf("RunWrite: %v", err)
	}
	if !strings.Contains(out, "wrote 2 bytes") {
		t.Fatalf("output: %q", out)
	}

	_, err = RunWrite(ctx, WritePayload{WorkspaceDir: dir, Path: "../escape.md", Content: "x"})
	if err == nil || !strings.Contains(err.Error(), "outside workspace") {
		t.Fatalf("expected workspace rejection, got %v", err)
	}
}

func TestRuntimeExecuteRoundTrip(t *testing.T) {
	r := NewRuntime(testIsolationConfig(), nil)
	r.SetWorkerCommand([]string{"/bin/sh", "-c", `cat >/dev/null; echo '{"ok":true,"result":"worker says hi"}'`})

	out, err := r.Execute(context.Background(), "shell.exec", ShellPayload{Command: "echo"}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "worker says hi" {
		t.Fatalf("result: %q", out)
	}
}

func TestRuntimeExecuteWorkerError(t *testing.T) {
	r := NewRuntime(testIsolationConfig(), nil)
	r.SetWorkerCommand([]string{"/bin/sh", "-c", `cat >/dev/null; echo '{"ok":false,"error":"boom"}'`})

	_, err := r.Execute(context.Background(), "shell.exec", ShellPayload{}, 0)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestRuntimeTimeoutKillsWorker(t *testing.T) {
	cfg := testIsolationConfig()
	cfg.WorkerTimeoutMs = 200
	r := NewRuntime(cfg, nil)
	r.SetWorkerCommand([]string{"/bin/sh", "-c", "sleep 30"})

	start := time.Now()
	_, err := r.Execute(context.Background(), "shell.exec", ShellPayload{}, 0)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout took too long; worker not killed")
	}
}

func TestRuntimeCircuitOpensAfterFailures(t *testing.T) {
	r := NewRuntime(testIsolationConfig(), nil)
	r.SetWorkerCommand([]string{"/bin/sh", "-c", `cat >/dev/null; echo '{"ok":false,"error":"boom"}'`})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Execute(ctx, "web.fetch", FetchPayload{}, 0); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := r.Execute(ctx, "web.fetch", FetchPayload{}, 0)
	if err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestScrubbedEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_API_KEY", "hunter2")
	t.Setenv("MY_TOOL_FLAG", "on")
	t.Setenv("lower_case", "nope")

	r := NewRuntime(testIsolationConfig(), []string{"MY_TOOL_FLAG", "lower_case"})
	env := r.scrubbedEnv()

	got := make(map[string]string)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["PATH"] != "/usr/bin" {
		t.Fatal("PATH should pass through")
	}
	if _, ok := got["SECRET_API_KEY"]; ok {
		t.Fatal("unlisted key leaked")
	}
	if got["MY_TOOL_FLAG"] != "on" {
		t.Fatal("explicitly allowed key missing")
	}
	if _, ok := got["lower_case"]; ok {
		t.Fatal("key not matching the env pattern leaked")
	}
}

func TestIsolates(t *testing.T) {
	r := NewRuntime(testIsolationConfig(), nil)
	if !r.Isolates("shell.exec") || r.Isolates("memory.read") {
		t.Fatal("isolation set wrong")
	}

	cfg := testIsolationConfig()
	cfg.Enabled = false
	r = NewRuntime(cfg, nil)
	if r.Isolates("shell.exec") {
		t.Fatal("disabled runtime must not isolate")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

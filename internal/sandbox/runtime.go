// Package sandbox runs high-risk tools in short-lived child processes with
// a scrubbed environment, bounded output, wall-clock timeouts, and a
// per-tool circuit breaker.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coreclaw/coreclaw/internal/config"
)

// outputSlack is added to the worker output cap so a complete JSON response
// still fits after a full-size tool result.
const outputSlack = 4096

// defaultEnvAllowlist is the system environment passed to every worker.
var defaultEnvAllowlist = []string{
	"PATH", "HOME", "TMPDIR", "TMP", "TEMP", "USER", "SHELL", "LANG", "LC_ALL", "TZ",
}

var envKeyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// workerRequest is written to the child's stdin.
type workerRequest struct {
	Tool    string          `json:"tool"`
	Payload json.RawMessage `json:"payload"`
}

// workerResponse is read from the child's stdout.
type workerResponse struct {
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Observer receives worker telemetry. Implemented by the SLO tracker.
type Observer interface {
	ObserveWorker(tool string, outcome string, elapsed time.Duration)
}

// Runtime isolates the configured tool subset. Each invocation spawns a
// fresh child process; concurrency is bounded by a semaphore.
type Runtime struct {
	cfg        config.IsolationConfig
	allowedEnv []string
	breaker    *circuitBreaker
	slots      *semaphore.Weighted
	isolated   map[string]bool

	mu       sync.Mutex
	observer Observer

	// workerCommand overrides the spawned argv in tests. Defaults to
	// re-executing this binary with the worker subcommand.
	workerCommand []string

	now func() time.Time
}

// NewRuntime creates an isolated tool runtime.
func NewRuntime(cfg config.IsolationConfig, allowedEnv []string) *Runtime {
	isolated := make(map[string]bool, len(cfg.ToolNames))
	for _, name := range cfg.ToolNames {
		isolated[name] = true
	}
	return &Runtime{
		cfg:        cfg,
		allowedEnv: allowedEnv,
		breaker:    newCircuitBreaker(cfg.OpenCircuitAfterFailures, cfg.CircuitResetMs, time.Now),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkers)),
		isolated:   isolated,
		now:        time.Now,
	}
}

// SetObserver wires worker telemetry.
func (r *Runtime) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// SetWorkerCommand overrides the worker argv. Intended for tests.
func (r *Runtime) SetWorkerCommand(argv []string) {
	r.workerCommand = argv
}

// Isolates reports whether a tool runs in a worker process.
func (r *Runtime) Isolates(tool string) bool {
	return r.cfg.Enabled && r.isolated[tool]
}

// Execute runs one tool invocation in a fresh worker. commandTimeoutMs
// extends the wall-clock budget for tools that themselves run commands.
func (r *Runtime) Execute(ctx context.Context, tool string, payload any, commandTimeoutMs int) (string, error) {
	if err := r.breaker.allow(tool); err != nil {
		return "", err
	}

	if err := r.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire worker slot: %w", err)
	}
	defer r.slots.Release(1)

	start := r.now()
	result, err := r.spawn(ctx, tool, payload, commandTimeoutMs)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.breaker.recordFailure(tool)
	} else {
		r.breaker.recordSuccess(tool)
	}
	r.mu.Lock()
	o := r.observer
	r.mu.Unlock()
	if o != nil {
		o.ObserveWorker(tool, outcome, elapsed)
	}
	return result, err
}

func (r *Runtime) spawn(ctx context.Context, tool string, payload any, commandTimeoutMs int) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal worker payload: %w", err)
	}
	reqJSON, err := json.Marshal(workerRequest{Tool: tool, Payload: payloadJSON})
	if err != nil {
		return "", err
	}

	argv := r.workerCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locate worker binary: %w", err)
		}
		argv = []string{exe, "worker"}
	}

	timeout := time.Duration(r.cfg.WorkerTimeoutMs) * time.Millisecond
	if cmdBudget := time.Duration(commandTimeoutMs+2000) * time.Millisecond; commandTimeoutMs > 0 && cmdBudget > timeout {
		timeout = cmdBudget
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = r.scrubbedEnv()
	cmd.Stdin = bytes.NewReader(append(reqJSON, '\n'))

	// One budget across both streams.
	budget := newOutputCap(r.cfg.MaxWorkerOutputChars + outputSlack)
	stdout := &cappedBuffer{cap: budget}
	stderr := &cappedBuffer{cap: budget}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn worker: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-time.After(timeout):
		timedOut = true
		// Graceful first, then force.
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(time.Second):
			_ = cmd.Process.Kill()
			waitErr = <-done
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return "", ctx.Err()
	}

	if timedOut {
		return "", fmt.Errorf("%s worker timed out after %v", tool, timeout)
	}

	var resp workerResponse
	out := strings.TrimSpace(stdout.String())
	if out == "" || json.Unmarshal([]byte(out), &resp) != nil {
		if budget.overflowed() {
			return "", fmt.Errorf("%s worker output exceeded limit", tool)
		}
		if waitErr != nil {
			return "", fmt.Errorf("%s worker failed: %v: %s", tool, waitErr, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%s worker returned no response", tool)
	}
	if !resp.OK {
		return "", fmt.Errorf("%s", resp.Error)
	}
	if waitErr != nil {
		slog.Debug("worker exited non-zero after valid response", "tool", tool, "error", waitErr)
	}
	return resp.Result, nil
}

// scrubbedEnv keeps only the default system allowlist plus configured keys.
func (r *Runtime) scrubbedEnv() []string {
	allowed := make(map[string]bool, len(defaultEnvAllowlist)+len(r.allowedEnv))
	for _, k := range defaultEnvAllowlist {
		allowed[k] = true
	}
	for _, k := range r.allowedEnv {
		if envKeyPattern.MatchString(k) {
			allowed[k] = true
		}
	}

	var env []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && allowed[key] {
			env = append(env, kv)
		}
	}
	return env
}

// outputCap is a byte budget that capped buffers draw from. Sharing one cap
// between a worker's stdout and stderr bounds their combined accumulation.
type outputCap struct {
	mu       sync.Mutex
	remain   int
	overflow bool
}

func newOutputCap(max int) *outputCap {
	return &outputCap{remain: max}
}

func (o *outputCap) take(n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n > o.remain {
		n = o.remain
		o.overflow = true
	}
	o.remain -= n
	return n
}

func (o *outputCap) overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflow
}

// cappedBuffer drops writes past its cap's remaining budget.
type cappedBuffer struct {
	cap *outputCap
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if kept := c.cap.take(n); kept < n {
		p = p[:kept]
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

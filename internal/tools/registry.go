// Package tools holds the tool registry, the builtin tool set, and the
// execution pipeline: schema validation, policy, audit, output bounding.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/policy"
)

// Handler executes one validated tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered tool specification.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler

	// MCP coordinates when the tool proxies a remote MCP server tool.
	MCPServer string
	MCPTool   string

	compiled *jsonschema.Schema
}

// BadArgsError reports a schema validation failure.
type BadArgsError struct {
	Tool string
	Err  error
}

func (e *BadArgsError) Error() string {
	return fmt.Sprintf("bad arguments for %s: %v", e.Tool, e.Err)
}

func (e *BadArgsError) Unwrap() error { return e.Err }

// Observer receives tool telemetry. Implemented by the SLO tracker.
type Observer interface {
	ObserveTool(name string, outcome string, elapsed time.Duration)
	ObserveMCP(server string, outcome string)
}

// Registry manages tools by name and owns the execution pipeline.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string

	evaluator      *policy.Evaluator
	recorder       *audit.Recorder
	maxOutputChars int
	observer       Observer

	now func() time.Time
}

// NewRegistry creates a registry. recorder may be nil in tests.
func NewRegistry(evaluator *policy.Evaluator, recorder *audit.Recorder, maxOutputChars int) *Registry {
	return &Registry{
		tools:          make(map[string]*Tool),
		evaluator:      evaluator,
		recorder:       recorder,
		maxOutputChars: maxOutputChars,
		now:            time.Now,
	}
}

// SetObserver wires tool telemetry.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds a tool, compiling its parameter schema.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool missing name")
	}
	if t.Schema == nil {
		t.Schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", t.Name, err)
	}
	compiled, err := jsonschema.CompileString(t.Name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs the full pipeline for one call: validate args, consult
// policy, invoke the handler, audit, bound the output.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	args, err := parseArgs(argsJSON)
	if err == nil {
		err = t.compiled.Validate(anyArgs(args))
	}
	if err != nil {
		badArgs := &BadArgsError{Tool: name, Err: err}
		r.audit(ctx, name, audit.OutcomeError, badArgs.Error(), args)
		return "", badArgs
	}

	inv := InvocationFromContext(ctx)
	if err := r.evaluator.Check(policy.Input{
		Tool:      name,
		Role:      inv.Role,
		Args:      args,
		Channel:   inv.Channel,
		ChatID:    inv.ChatID,
		MCPServer: t.MCPServer,
		MCPTool:   t.MCPTool,
	}); err != nil {
		r.audit(ctx, name, audit.OutcomeDenied, err.Error(), args)
		r.observe(t, audit.OutcomeDenied, 0)
		return "", err
	}

	start := r.now()
	out, err := t.Handler(ctx, args)
	elapsed := time.Since(start)

	outcome := audit.OutcomeOK
	reason := ""
	if err != nil {
		outcome = audit.OutcomeError
		reason = err.Error()
	}
	r.audit(ctx, name, outcome, reason, args)
	r.observe(t, outcome, elapsed)
	slog.Debug("tool executed",
		"tool", name, "outcome", outcome, "elapsed_ms", elapsed.Milliseconds(),
		"request_id", inv.RequestID)
	if err != nil {
		return "", err
	}

	if r.maxOutputChars > 0 && len(out) > r.maxOutputChars {
		out = out[:r.maxOutputChars] + "\n...truncated"
	}
	return out, nil
}

func (r *Registry) audit(ctx context.Context, tool, outcome, reason string, args map[string]any) {
	r.recorder.Record(ctx, audit.KindToolCall, tool, outcome, reason, args)
}

func (r *Registry) observe(t *Tool, outcome string, elapsed time.Duration) {
	r.mu.RLock()
	o := r.observer
	r.mu.RUnlock()
	if o == nil {
		return
	}
	o.ObserveTool(t.Name, outcome, elapsed)
	if t.MCPServer != "" {
		o.ObserveMCP(t.MCPServer, outcome)
	}
}

func parseArgs(argsJSON string) (map[string]any, error) {
	argsJSON = strings.TrimSpace(argsJSON)
	if argsJSON == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// anyArgs re-types the map so the schema library sees plain JSON values.
func anyArgs(args map[string]any) any {
	return map[string]any(args)
}

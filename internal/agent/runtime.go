// Package agent operates the bounded tool-calling loop against the
// configured chat model.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/tools"
)

// ExhaustedSentinel is returned when the loop runs out of tool iterations.
const ExhaustedSentinel = "Unable to complete the request within tool limits."

// Result is the outcome of one agent run.
type Result struct {
	Content      string
	ToolMessages []*schema.Message
}

// Runtime drives model requests and tool execution for one turn at a time.
type Runtime struct {
	model    model.ChatModel
	registry *tools.Registry
	cfg      *config.Config
}

// NewRuntime creates an agent runtime.
func NewRuntime(cfg *config.Config, chatModel model.ChatModel, registry *tools.Registry) *Runtime {
	return &Runtime{model: chatModel, registry: registry, cfg: cfg}
}

// BindTools binds the registry's current tool definitions to the model, when
// the model supports binding. Call once after tool registration.
func (r *Runtime) BindTools(ctx context.Context) error {
	binder, ok := r.model.(interface {
		BindTools([]*schema.ToolInfo) error
	})
	if !ok {
		return nil
	}
	einoTools := r.registry.EinoTools()
	if len(einoTools) == 0 {
		return nil
	}
	infos := make([]*schema.ToolInfo, 0, len(einoTools))
	for _, t := range einoTools {
		info, err := t.Info(ctx)
		if err != nil {
			return fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return binder.BindTools(infos)
}

// Run executes the tool loop over an assembled message list. Tool failures
// feed back to the model as tool-result messages; only model failures abort
// the run.
func (r *Runtime) Run(ctx context.Context, messages []*schema.Message) (*Result, error) {
	maxIterations := r.cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}
	timeoutMs := r.cfg.Provider.TimeoutMs

	var toolMessages []*schema.Message
	for i := 0; i < maxIterations; i++ {
		resp, err := r.generate(ctx, messages, timeoutMs)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return &Result{Content: resp.Content, ToolMessages: toolMessages}, nil
		}

		messages = append(messages, resp)
		for _, tc := range resp.ToolCalls {
			out, err := r.registry.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				out = "Tool error: " + err.Error()
				slog.Warn("tool call failed", "tool", tc.Function.Name, "error", err)
			}
			toolMsg := &schema.Message{
				Role:       schema.Tool,
				Content:    out,
				ToolCallID: tc.ID,
			}
			toolMessages = append(toolMessages, toolMsg)
			messages = append(messages, toolMsg)
		}
	}

	return &Result{Content: ExhaustedSentinel, ToolMessages: toolMessages}, nil
}

func (r *Runtime) generate(ctx context.Context, messages []*schema.Message, timeoutMs int) (*schema.Message, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := r.model.Generate(callCtx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
			return nil, fmt.Errorf("model request timed out after %dms", timeoutMs)
		}
		return nil, fmt.Errorf("model request: %w", err)
	}
	return resp, nil
}

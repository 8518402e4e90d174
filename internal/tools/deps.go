package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/sandbox"
	"github.com/coreclaw/coreclaw/internal/scheduler"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

// Publisher queues outbound messages for delivery.
type Publisher interface {
	PublishOutbound(ctx context.Context, env bus.Envelope) (storage.PublishOutcome, error)
}

// Replayer requeues dead-lettered bus records.
type Replayer interface {
	ReplayDeadLetter(ctx context.Context, id int64) (bool, error)
	ReplayDeadLetters(ctx context.Context, direction storage.Direction, limit int) (int64, error)
}

// Deps carries everything the builtin tools reach for.
type Deps struct {
	Cfg       *config.Config
	Store     *storage.Store
	Workspace *workspace.Workspace
	Sandbox   *sandbox.Runtime
	Publisher Publisher
	Replayer  Replayer
	Scheduler *scheduler.Service
	Skills    *skills.Loader
	Bootstrap *Bootstrap
}

// RegisterBuiltins registers the full builtin tool set.
func RegisterBuiltins(r *Registry, d Deps) error {
	builtins := []*Tool{
		NewFsReadTool(d),
		NewFsWriteTool(d),
		NewShellTool(d),
		NewWebFetchTool(d),
		NewMemoryReadTool(d),
		NewMemoryWriteTool(d),
		NewMessageSendTool(d),
		NewChatRegisterTool(d),
		NewTaskCreateTool(d),
		NewTaskListTool(d),
		NewTaskPauseTool(d),
		NewTaskResumeTool(d),
		NewTaskDeleteTool(d),
		NewSkillsListTool(d),
		NewSkillsEnableTool(d),
		NewSkillsDisableTool(d),
		NewDLQReplayTool(d),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}

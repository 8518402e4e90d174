// Package app assembles the runtime: storage, workspace, tools, bus, router,
// scheduler, heartbeat, channels, and observability, wired in dependency
// order with an idempotent reverse-order shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/channel"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/heartbeat"
	"github.com/coreclaw/coreclaw/internal/mcp"
	"github.com/coreclaw/coreclaw/internal/policy"
	"github.com/coreclaw/coreclaw/internal/provider"
	"github.com/coreclaw/coreclaw/internal/router"
	"github.com/coreclaw/coreclaw/internal/sandbox"
	"github.com/coreclaw/coreclaw/internal/scheduler"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/slo"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/tools"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

// App owns every long-lived component.
type App struct {
	Cfg       *config.Config
	Store     *storage.Store
	Workspace *workspace.Workspace
	Skills    *skills.Loader
	Sandbox   *sandbox.Runtime
	Registry  *tools.Registry
	Bus       *bus.MessageBus
	Scheduler *scheduler.Service
	Heartbeat *heartbeat.Service
	Router    *router.Router
	Channels  *channel.Manager
	Tracker   *slo.Tracker
	Obs       *slo.Server
	MCP       *mcp.Manager
	Model     model.ChatModel

	stopOnce sync.Once
}

// New builds the application. Components are constructed bottom-up; handlers
// are wired before anything starts.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath(), cfg.BackupDir())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ws, err := workspace.Open(cfg.WorkspaceDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open workspace: %w", err)
	}

	a := &App{
		Cfg:       cfg,
		Store:     store,
		Workspace: ws,
		Skills:    skills.NewLoader(ws.Root()),
		Sandbox:   sandbox.NewRuntime(cfg.Isolation, cfg.AllowedEnv),
	}

	recorder := audit.NewRecorder(store)
	a.Registry = tools.NewRegistry(policy.NewEvaluator(cfg.MCPAllowlist), recorder, cfg.MaxToolOutputChars)
	a.Bus = bus.NewMessageBus(store, cfg.Bus)
	a.Scheduler = scheduler.NewService(store, a.Bus, cfg.Scheduler)
	if cfg.Heartbeat.Enabled {
		a.Heartbeat = heartbeat.NewService(store, a.Bus, cfg.Heartbeat)
	}

	deps := tools.Deps{
		Cfg:       cfg,
		Store:     store,
		Workspace: ws,
		Sandbox:   a.Sandbox,
		Publisher: a.Bus,
		Replayer:  a.Bus,
		Scheduler: a.Scheduler,
		Skills:    a.Skills,
		Bootstrap: tools.NewBootstrap(cfg, store, recorder),
	}
	if err := tools.RegisterBuiltins(a.Registry, deps); err != nil {
		store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	if err := a.connectMCP(ctx); err != nil {
		store.Close()
		return nil, err
	}

	a.Model, err = provider.NewChatModel(ctx, cfg.Provider)
	if err != nil {
		slog.Warn("no usable model", "error", err)
		a.Model = nil
	}

	builder := agent.NewContextBuilder(cfg, store, ws, a.Skills)
	var runner router.AgentRunner = unconfiguredRunner{}
	if a.Model != nil {
		runtime := agent.NewRuntime(cfg, a.Model, a.Registry)
		if err := runtime.BindTools(ctx); err != nil {
			slog.Warn("model does not accept tool bindings", "error", err)
		}
		runner = runtime
	}

	a.Router = router.New(cfg, store, builder, runner, a.Bus)
	if a.Heartbeat != nil {
		a.Router.SetHeartbeat(a.Heartbeat)
	}
	if a.Model != nil {
		a.Router.SetSummaryModel(a.Model)
	}

	a.Tracker = slo.NewTracker(cfg.SLO)
	a.Bus.SetObserver(a.Tracker)
	a.Scheduler.SetObserver(a.Tracker)
	a.Sandbox.SetObserver(a.Tracker)
	a.Registry.SetObserver(a.Tracker)

	if cfg.Observability.HTTP.Enabled {
		a.Obs = slo.NewServer(cfg.Observability.HTTP, a.Tracker, func(ctx context.Context) error {
			_, err := store.QueueDepths(ctx, storage.DirectionInbound)
			return err
		})
	}

	a.Channels = channel.NewManager()
	if cfg.Webhook.Enabled {
		a.Channels.Register(channel.NewWebhookChannel(cfg.Webhook, a.Bus))
	}
	if cfg.Telegram.Enabled {
		a.Channels.Register(channel.NewTelegramChannel(cfg.Telegram, a.Bus))
	}

	a.Bus.SetInboundHandler(a.Router.HandleInbound)
	a.Bus.SetOutboundHandler(a.Channels.Deliver)
	return a, nil
}

// connectMCP loads .mcp.json from the workspace and registers proxy tools
// for every reachable server. A missing file is not an error.
func (a *App) connectMCP(ctx context.Context) error {
	servers, err := mcp.LoadServers(filepath.Join(a.Workspace.Root(), ".mcp.json"))
	if err != nil {
		return fmt.Errorf("load mcp config: %w", err)
	}
	if len(servers) == 0 {
		return nil
	}
	a.MCP = mcp.NewManager(servers, mcp.DefaultConnectors())
	if err := a.MCP.Connect(ctx); err != nil {
		return err
	}
	if err := a.MCP.RegisterTools(a.Registry); err != nil {
		return fmt.Errorf("register mcp tools: %w", err)
	}
	return nil
}

// Start launches the background services and channel adapters.
func (a *App) Start(ctx context.Context) error {
	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.Heartbeat != nil {
		if err := a.Heartbeat.Start(); err != nil {
			return fmt.Errorf("start heartbeat: %w", err)
		}
	}
	if err := a.Tracker.Start(); err != nil {
		return fmt.Errorf("start slo tracker: %w", err)
	}
	if a.Obs != nil {
		go func() {
			if err := a.Obs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability server failed", "error", err)
			}
		}()
	}
	a.Channels.StartAll(ctx)
	if a.Obs != nil {
		a.Obs.MarkStarted()
	}
	slog.Info("coreclaw started", "channels", a.Channels.Names())
	return nil
}

// Stop shuts components down in reverse start order. Safe to call more than
// once.
func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.Channels.StopAll(ctx)
		if a.Obs != nil {
			if err := a.Obs.Shutdown(ctx); err != nil {
				slog.Warn("observability shutdown failed", "error", err)
			}
		}
		a.Tracker.Stop()
		if a.Heartbeat != nil {
			a.Heartbeat.Stop()
		}
		a.Scheduler.Stop()
		a.Bus.Stop()
		if err := a.Store.Close(); err != nil {
			slog.Warn("close storage failed", "error", err)
		}
	})
}

// unconfiguredRunner stands in for the agent when no provider is configured.
type unconfiguredRunner struct{}

func (unconfiguredRunner) Run(context.Context, []*schema.Message) (*agent.Result, error) {
	return nil, fmt.Errorf("no model configured: set provider.kind")
}

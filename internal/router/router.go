// Package router owns the inbound turn: ledger gating, context assembly, the
// agent run, outbound publishing, and post-run compaction.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/tools"
)

const summaryPrompt = "Summarize the conversation."

// ContextBuilder assembles the model input for one turn.
type ContextBuilder interface {
	Build(ctx context.Context, env bus.Envelope, chatFk int64) ([]*schema.Message, error)
}

// AgentRunner executes the tool loop.
type AgentRunner interface {
	Run(ctx context.Context, messages []*schema.Message) (*agent.Result, error)
}

// OutboundPublisher queues outbound envelopes.
type OutboundPublisher interface {
	PublishOutbound(ctx context.Context, env bus.Envelope) (storage.PublishOutcome, error)
}

// HeartbeatControl is the slice of the heartbeat service the router needs.
type HeartbeatControl interface {
	TrackChat(channel, chatID string)
	Wake(channel, chatID string)
	ShouldSuppress(ctx context.Context, channel, chatID, content string) (bool, string, error)
}

// Router handles inbound envelopes end to end.
type Router struct {
	cfg       *config.Config
	store     *storage.Store
	builder   ContextBuilder
	agent     AgentRunner
	publisher OutboundPublisher
	heartbeat HeartbeatControl // nil when heartbeat is disabled
	model     model.ChatModel  // nil disables compaction summaries

	now func() time.Time
}

// New creates a router.
func New(cfg *config.Config, store *storage.Store, builder ContextBuilder, runner AgentRunner, publisher OutboundPublisher) *Router {
	return &Router{
		cfg:       cfg,
		store:     store,
		builder:   builder,
		agent:     runner,
		publisher: publisher,
		now:       time.Now,
	}
}

// SetHeartbeat wires the heartbeat service for wake triggering and reply
// suppression.
func (r *Router) SetHeartbeat(hb HeartbeatControl) {
	r.heartbeat = hb
}

// SetSummaryModel wires the model used for background compaction summaries.
func (r *Router) SetSummaryModel(m model.ChatModel) {
	r.model = m
}

// HandleInbound is the bus inbound handler. Errors propagate to the bus,
// which applies retry and dead-letter policy; the ledger gate keeps retries
// from re-running the agent after a completed turn.
func (r *Router) HandleInbound(ctx context.Context, env bus.Envelope) error {
	chat, err := r.store.GetOrCreateChat(ctx, env.Channel, env.ChatID)
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}
	mode := agent.DeriveRunMode(env)

	staleAfter := time.Duration(r.cfg.Bus.ProcessingTimeoutMs) * time.Millisecond
	decision, prior, err := r.store.BeginInboundExecution(ctx, env.ID, staleAfter)
	if err != nil {
		return fmt.Errorf("ledger gate: %w", err)
	}
	switch decision {
	case storage.BeginCompleted:
		return r.reemit(ctx, env, prior)
	case storage.BeginBusy:
		// Returning nil here would let the bus ack a turn another run never
		// finished. The error keeps the record retrying until the stale row
		// is taken over or the bus dead-letters it.
		return fmt.Errorf("inbound %s still in flight", env.ID)
	}

	// The fresh claim must not outlive an error path: the row flips to
	// failed so the next delivery retries instead of hitting the busy gate.
	completed := false
	defer func() {
		if completed {
			return
		}
		if failErr := r.store.FailInboundExecution(context.WithoutCancel(ctx), env.ID); failErr != nil {
			slog.Error("release inbound claim", "message_id", env.ID, "error", failErr)
		}
	}()

	if !r.senderAllowed(env) {
		slog.Warn("sender not allowlisted, dropping inbound",
			"channel", env.Channel, "chat_id", env.ChatID, "sender_id", env.SenderID)
		if err := r.store.CompleteInboundExecution(ctx, env.ID, "", "", true); err != nil {
			return fmt.Errorf("complete inbound execution: %w", err)
		}
		completed = true
		return nil
	}

	if chat.Registered || r.cfg.StoreFullMessages {
		if _, err := r.store.AppendMessage(ctx, chat.ID, "user", env.SenderID, env.Content); err != nil {
			return fmt.Errorf("persist inbound: %w", err)
		}
	}

	messages, err := r.builder.Build(ctx, env, chat.ID)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	runCtx := tools.WithInvocationContext(ctx, tools.InvocationContext{
		Channel:   env.Channel,
		ChatID:    env.ChatID,
		ChatFk:    chat.ID,
		Role:      chat.Role,
		SenderID:  env.SenderID,
		RequestID: bus.RequestIDFromContext(ctx),
	})
	result, err := r.agent.Run(runCtx, messages)
	if err != nil {
		return fmt.Errorf("agent run: %w", err)
	}

	if strings.TrimSpace(result.Content) != "" {
		if _, err := r.store.AppendMessage(ctx, chat.ID, "assistant", "agent", result.Content); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
	}

	outboundID := bus.OutboundIDFor(env.Channel, env.ChatID, env.ID)
	skipped, err := r.publishResult(ctx, env, mode, outboundID, result.Content)
	if err != nil {
		return err
	}

	if err := r.store.CompleteInboundExecution(ctx, env.ID, result.Content, outboundID, skipped); err != nil {
		return fmt.Errorf("complete inbound execution: %w", err)
	}
	completed = true

	if r.heartbeat != nil && mode.Kind != agent.KindHeartbeat {
		r.heartbeat.TrackChat(env.Channel, env.ChatID)
		r.heartbeat.Wake(env.Channel, env.ChatID)
	}

	r.maybeCompact(ctx, chat.ID)
	return nil
}

// reemit republishes the persisted outbound of a completed run. The
// deterministic outbound id makes this a no-op when the first publish landed.
func (r *Router) reemit(ctx context.Context, env bus.Envelope, prior *storage.InboundExecution) error {
	if prior == nil || prior.OutboundSkipped || strings.TrimSpace(prior.ResultContent) == "" {
		return nil
	}
	_, err := r.publisher.PublishOutbound(ctx, bus.Envelope{
		ID:       prior.OutboundID,
		Channel:  env.Channel,
		ChatID:   env.ChatID,
		SenderID: "agent",
		Content:  prior.ResultContent,
	})
	if err != nil {
		return fmt.Errorf("re-emit outbound: %w", err)
	}
	return nil
}

// publishResult queues the assistant reply, honoring heartbeat suppression.
// Returns whether the publish was skipped.
func (r *Router) publishResult(ctx context.Context, env bus.Envelope, mode agent.RunMode, outboundID, content string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		return true, nil
	}

	if r.heartbeat != nil && mode.Kind == agent.KindHeartbeat {
		suppress, reason, err := r.heartbeat.ShouldSuppress(ctx, env.Channel, env.ChatID, content)
		if err != nil {
			return false, fmt.Errorf("suppression check: %w", err)
		}
		if suppress {
			slog.Info("outbound suppressed", "message_id", env.ID, "reason", reason)
			return true, nil
		}
	}

	_, err := r.publisher.PublishOutbound(ctx, bus.Envelope{
		ID:       outboundID,
		Channel:  env.Channel,
		ChatID:   env.ChatID,
		SenderID: "agent",
		Content:  content,
	})
	if err != nil {
		return false, fmt.Errorf("publish outbound: %w", err)
	}
	return false, nil
}

// maybeCompact summarizes and prunes oversized chat histories. Failures are
// logged, never propagated; the turn already completed.
func (r *Router) maybeCompact(ctx context.Context, chatFk int64) {
	limit := r.cfg.HistoryMaxMessages
	if limit <= 0 || r.model == nil {
		return
	}
	count, err := r.store.CountMessages(ctx, chatFk)
	if err != nil {
		slog.Error("count messages", "chat_fk", chatFk, "error", err)
		return
	}
	if count <= limit*2 {
		return
	}

	history, err := r.store.RecentMessages(ctx, chatFk, limit*2)
	if err != nil {
		slog.Error("load history for compaction", "chat_fk", chatFk, "error", err)
		return
	}

	msgs := []*schema.Message{{
		Role:    schema.System,
		Content: "You summarize conversations. Reply with a summary of at most 150 words.",
	}}
	for _, h := range history {
		switch h.Role {
		case "user":
			msgs = append(msgs, &schema.Message{Role: schema.User, Content: h.Content})
		case "assistant":
			msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: h.Content})
		}
	}
	msgs = append(msgs, &schema.Message{Role: schema.User, Content: summaryPrompt})

	resp, err := r.model.Generate(ctx, msgs)
	if err != nil {
		slog.Error("compaction summary", "chat_fk", chatFk, "error", err)
		return
	}
	if strings.TrimSpace(resp.Content) == "" {
		return
	}
	if err := r.store.SetConversationSummary(ctx, chatFk, resp.Content); err != nil {
		slog.Error("store summary", "chat_fk", chatFk, "error", err)
		return
	}
	pruned, err := r.store.PruneMessages(ctx, chatFk, limit)
	if err != nil {
		slog.Error("prune messages", "chat_fk", chatFk, "error", err)
		return
	}
	slog.Info("conversation compacted", "chat_fk", chatFk, "pruned", pruned)
}

// senderAllowed applies the per-channel identity allowlist. Synthetic
// senders from the scheduler and heartbeat always pass.
func (r *Router) senderAllowed(env bus.Envelope) bool {
	if env.SenderID == "scheduler" || env.SenderID == "heartbeat" {
		return true
	}
	allowed := r.cfg.AllowedChannelIdentities[env.Channel]
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == env.SenderID {
			return true
		}
	}
	return false
}

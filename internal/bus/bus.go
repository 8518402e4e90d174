// Package bus is the durable message backbone: two SQL-backed FIFO queues
// (inbound and outbound) with at-least-once dispatch, exponential retry,
// and a dead-letter queue.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// Handler consumes one envelope. A nil return acknowledges the message; an
// error schedules a retry or, once attempts are exhausted, a dead-letter.
type Handler func(ctx context.Context, env Envelope) error

// Observer receives dispatch telemetry. Implemented by the SLO tracker.
type Observer interface {
	ObserveBusDispatch(direction string, outcome string, elapsed time.Duration)
	ObserveQueueDepth(direction string, pending, deadLetter int)
}

// MessageBus polls the durable queues and drives the registered handlers.
// Dispatch within a direction is sequential so per-chat ordering holds.
type MessageBus struct {
	store    *storage.Store
	cfg      config.BusConfig
	observer Observer

	mu       sync.Mutex
	inbound  Handler
	outbound Handler
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewMessageBus creates a bus over an opened store.
func NewMessageBus(store *storage.Store, cfg config.BusConfig) *MessageBus {
	return &MessageBus{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetInboundHandler registers the consumer of inbound envelopes. Must be set
// before Start.
func (b *MessageBus) SetInboundHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound = h
}

// SetOutboundHandler registers the consumer of outbound envelopes.
func (b *MessageBus) SetOutboundHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = h
}

// SetObserver wires dispatch telemetry.
func (b *MessageBus) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// PublishInbound persists an inbound envelope. Duplicate ids are silently
// dropped; overflow and per-chat rate limiting divert to the dead-letter
// queue inside the same transaction.
func (b *MessageBus) PublishInbound(ctx context.Context, env Envelope) (storage.PublishOutcome, error) {
	return b.publish(ctx, storage.DirectionInbound, env, storage.PublishParams{
		MaxPending:      b.cfg.MaxPendingInbound,
		RateLimitWindow: time.Duration(b.cfg.PerChatRateLimitWindowMs) * time.Millisecond,
		RateLimitMax:    b.cfg.PerChatRateLimitMax,
	})
}

// PublishOutbound persists an outbound envelope.
func (b *MessageBus) PublishOutbound(ctx context.Context, env Envelope) (storage.PublishOutcome, error) {
	return b.publish(ctx, storage.DirectionOutbound, env, storage.PublishParams{
		MaxPending: b.cfg.MaxPendingOutbound,
	})
}

func (b *MessageBus) publish(ctx context.Context, direction storage.Direction, env Envelope, p storage.PublishParams) (storage.PublishOutcome, error) {
	if env.ID == "" {
		return "", fmt.Errorf("publish %s: empty envelope id", direction)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = b.now()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}

	p.Direction = direction
	p.MessageID = env.ID
	p.Channel = env.Channel
	p.ChatID = env.ChatID
	p.Content = env.Content
	p.Payload = payload
	p.MaxAttempts = b.cfg.MaxAttempts

	outcome, _, err := b.store.PublishEnvelope(ctx, p)
	if err != nil {
		return "", err
	}
	switch outcome {
	case storage.PublishDuplicate:
		slog.Debug("duplicate publish dropped", "direction", direction, "message_id", env.ID)
	case storage.PublishOverflow:
		slog.Warn("queue overflow, message dead-lettered", "direction", direction, "message_id", env.ID)
	case storage.PublishRateLimited:
		slog.Warn("per-chat rate limit, message dead-lettered",
			"direction", direction, "message_id", env.ID, "chat", env.SessionKey())
	}
	return outcome, nil
}

// Start recovers marooned processing rows from a previous run and launches
// one dispatch loop per direction.
func (b *MessageBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if b.inbound == nil || b.outbound == nil {
		return fmt.Errorf("bus: handlers not registered")
	}

	// All processing rows at startup belong to a dead run.
	recovered, err := b.store.RecoverStaleProcessing(ctx, b.now().Add(time.Millisecond))
	if err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered interrupted messages", "count", recovered)
	}

	b.running = true
	b.stopCh = make(chan struct{})
	b.wg.Add(2)
	go b.dispatchLoop(storage.DirectionInbound, b.inbound)
	go b.dispatchLoop(storage.DirectionOutbound, b.outbound)
	slog.Info("message bus started", "poll_ms", b.cfg.PollMs, "batch_size", b.cfg.BatchSize)
	return nil
}

// Stop halts both dispatch loops. In-flight handlers finish first.
func (b *MessageBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	slog.Info("message bus stopped")
}

func (b *MessageBus) dispatchLoop(direction storage.Direction, handler Handler) {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Duration(b.cfg.PollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.dispatchBatch(direction, handler)
		}
	}
}

func (b *MessageBus) dispatchBatch(direction storage.Direction, handler Handler) {
	ctx := context.Background()

	depth, err := b.store.QueueDepths(ctx, direction)
	if err != nil {
		slog.Error("queue depth check failed", "direction", direction, "error", err)
		return
	}
	if b.observer != nil {
		b.observer.ObserveQueueDepth(string(direction), depth.Pending, depth.DeadLetter)
	}
	overloaded := b.cfg.OverloadPendingThreshold > 0 && depth.Pending > b.cfg.OverloadPendingThreshold
	if overloaded {
		slog.Warn("queue overloaded, backing off",
			"direction", direction, "pending", depth.Pending, "threshold", b.cfg.OverloadPendingThreshold)
	}

	due, err := b.store.DueQueueRecords(ctx, direction, b.cfg.BatchSize)
	if err != nil {
		slog.Error("queue poll failed", "direction", direction, "error", err)
		return
	}

	for _, rec := range due {
		// Under overload each dispatch is throttled, not just the batch.
		if overloaded {
			select {
			case <-b.stopCh:
				return
			case <-time.After(time.Duration(b.cfg.OverloadBackoffMs) * time.Millisecond):
			}
		}
		select {
		case <-b.stopCh:
			return
		default:
		}
		b.dispatchOne(ctx, rec, handler)
	}
}

func (b *MessageBus) dispatchOne(ctx context.Context, rec storage.QueueRecord, handler Handler) {
	claimed, err := b.store.ClaimQueueRecord(ctx, rec.ID)
	if err != nil {
		slog.Error("claim failed", "queue_id", rec.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	var env Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		slog.Error("undecodable payload dead-lettered", "queue_id", rec.ID, "error", err)
		if dlErr := b.store.DeadLetterQueueRecord(ctx, rec.ID, rec.Attempts, "invalid payload: "+err.Error()); dlErr != nil {
			slog.Error("dead-letter write failed", "queue_id", rec.ID, "error", dlErr)
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.ProcessingTimeoutMs)*time.Millisecond)
	hctx = WithRequestID(hctx, NewRequestID())
	start := b.now()
	handlerErr := handler(hctx, env)
	cancel()
	elapsed := time.Since(start)

	if handlerErr == nil {
		if err := b.store.MarkQueueProcessed(ctx, rec.ID); err != nil {
			slog.Error("ack failed", "queue_id", rec.ID, "error", err)
		}
		if b.observer != nil {
			b.observer.ObserveBusDispatch(string(rec.Direction), "processed", elapsed)
		}
		return
	}

	attempts := rec.Attempts + 1
	if attempts >= rec.MaxAttempts {
		slog.Error("message dead-lettered",
			"direction", rec.Direction, "message_id", rec.MessageID,
			"attempts", attempts, "error", handlerErr)
		if err := b.store.DeadLetterQueueRecord(ctx, rec.ID, attempts, handlerErr.Error()); err != nil {
			slog.Error("dead-letter write failed", "queue_id", rec.ID, "error", err)
		}
		if b.observer != nil {
			b.observer.ObserveBusDispatch(string(rec.Direction), "dead_letter", elapsed)
		}
		return
	}

	backoff := b.retryBackoff(attempts)
	slog.Warn("message retry scheduled",
		"direction", rec.Direction, "message_id", rec.MessageID,
		"attempt", attempts, "backoff", backoff, "error", handlerErr)
	if err := b.store.RetryQueueRecord(ctx, rec.ID, attempts, b.now().Add(backoff), handlerErr.Error()); err != nil {
		slog.Error("retry write failed", "queue_id", rec.ID, "error", err)
	}
	if b.observer != nil {
		b.observer.ObserveBusDispatch(string(rec.Direction), "retry", elapsed)
	}
}

// retryBackoff doubles per attempt, capped at max_retry_backoff_ms. The first
// retry waits retry_backoff_ms.
func (b *MessageBus) retryBackoff(attempts int) time.Duration {
	backoff := int64(b.cfg.RetryBackoffMs)
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= int64(b.cfg.MaxRetryBackoffMs) {
			break
		}
	}
	if max := int64(b.cfg.MaxRetryBackoffMs); max > 0 && backoff > max {
		backoff = max
	}
	return time.Duration(backoff) * time.Millisecond
}

// Depths exposes queue depth for status reporting.
func (b *MessageBus) Depths(ctx context.Context, direction storage.Direction) (storage.QueueDepth, error) {
	return b.store.QueueDepths(ctx, direction)
}

// ListDeadLetters returns dead-letter records for inspection.
func (b *MessageBus) ListDeadLetters(ctx context.Context, direction storage.Direction, limit int) ([]storage.QueueRecord, error) {
	return b.store.ListDeadLetters(ctx, direction, limit)
}

// ReplayDeadLetter requeues one dead-letter record with a fresh attempt budget.
func (b *MessageBus) ReplayDeadLetter(ctx context.Context, id int64) (bool, error) {
	return b.store.ReplayDeadLetterByID(ctx, id)
}

// ReplayDeadLetters requeues up to limit dead-letter records, oldest first.
func (b *MessageBus) ReplayDeadLetters(ctx context.Context, direction storage.Direction, limit int) (int64, error) {
	return b.store.ReplayDeadLetters(ctx, direction, limit)
}

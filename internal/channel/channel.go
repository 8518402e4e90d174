// Package channel adapts chat platforms to the bus: each adapter publishes
// inbound envelopes and delivers outbound ones.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// Publisher queues inbound envelopes for the router.
type Publisher interface {
	PublishInbound(ctx context.Context, env bus.Envelope) (storage.PublishOutcome, error)
}

// Channel is one chat platform adapter.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, env bus.Envelope) error
}

// Manager coordinates the registered adapters and routes outbound envelopes
// to them. Deliver is wired as the bus outbound handler.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds an adapter.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Names returns the registered adapter names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll launches every adapter on its own goroutine.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			if err := c.Start(ctx); err != nil {
				slog.Error("channel stopped", "name", n, "error", err)
			}
		}(name, ch)
	}
}

// StopAll stops every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		_ = ch.Stop(ctx)
	}
}

// Deliver hands an outbound envelope to its adapter. An error propagates to
// the bus so retry and dead-letter policy apply.
func (m *Manager) Deliver(ctx context.Context, env bus.Envelope) error {
	m.mu.RLock()
	ch, ok := m.channels[env.Channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter for channel %q", env.Channel)
	}
	return ch.Send(ctx, env)
}

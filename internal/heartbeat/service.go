// Package heartbeat wakes the agent periodically per chat and suppresses
// uninteresting replies so quiet heartbeats stay silent.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

const defaultPrompt = "Read your pending notes and decide whether anything needs attention. " +
	"If nothing does, reply with exactly %s and nothing else."

// Publisher is the slice of the message bus the heartbeat needs.
type Publisher interface {
	PublishInbound(ctx context.Context, env bus.Envelope) (storage.PublishOutcome, error)
}

type target struct {
	channel string
	chatID  string
}

type pendingWake struct {
	requestedAt time.Time // latest request wins the debounce window
	notBefore   time.Time // deferred wakes (busy chat) park here
}

// Service emits synthetic inbound envelopes for tracked chats. Wakes come
// from the interval timer or from Wake, are debounced, gated by active
// hours, and deferred while the chat has inbound work in flight.
type Service struct {
	store     *storage.Store
	publisher Publisher
	cfg       config.HeartbeatConfig
	prompt    string

	mu      sync.Mutex
	targets map[string]target
	pending map[string]pendingWake
	running bool
	stopCh  chan struct{}
	stopped chan struct{}

	now func() time.Time
}

// NewService creates a heartbeat service. The wake prompt comes from
// cfg.PromptPath when set.
func NewService(store *storage.Store, publisher Publisher, cfg config.HeartbeatConfig) *Service {
	prompt := fmt.Sprintf(defaultPrompt, cfg.AckToken)
	if cfg.PromptPath != "" {
		if data, err := os.ReadFile(cfg.PromptPath); err == nil && len(strings.TrimSpace(string(data))) > 0 {
			prompt = strings.TrimSpace(string(data))
		} else if err != nil {
			slog.Warn("heartbeat prompt unreadable, using default", "path", cfg.PromptPath, "error", err)
		}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		prompt:    prompt,
		targets:   make(map[string]target),
		pending:   make(map[string]pendingWake),
		now:       time.Now,
	}
}

// TrackChat registers a chat as a heartbeat target. The router calls this
// for every chat it serves.
func (s *Service) TrackChat(channel, chatID string) {
	channel = strings.TrimSpace(channel)
	chatID = strings.TrimSpace(chatID)
	if channel == "" || chatID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[channel+":"+chatID] = target{channel: channel, chatID: chatID}
}

// Wake requests an out-of-band heartbeat for one chat. Requests within the
// debounce window coalesce; the latest one wins.
func (s *Service) Wake(channel, chatID string) {
	if !s.cfg.Enabled {
		return
	}
	key := channel + ":" + chatID
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[key]; !ok {
		s.targets[key] = target{channel: channel, chatID: chatID}
	}
	s.pending[key] = pendingWake{requestedAt: now, notBefore: now}
}

// Start launches the wake loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		slog.Info("heartbeat disabled")
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop()
	slog.Info("heartbeat started",
		"interval_ms", s.cfg.IntervalMs, "active_hours", s.cfg.ActiveHours,
		"max_dispatch_per_run", s.cfg.MaxDispatchPerRun)
	return nil
}

// Stop halts the wake loop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.stopped
	slog.Info("heartbeat stopped")
}

func (s *Service) loop() {
	defer close(s.stopped)

	interval := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer interval.Stop()

	// The flush tick bounds debounce latency; the debounce window itself
	// is enforced per wake in Flush.
	flushEvery := time.Duration(s.cfg.WakeDebounceMs) * time.Millisecond / 2
	if flushEvery < 100*time.Millisecond {
		flushEvery = 100 * time.Millisecond
	}
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-interval.C:
			s.wakeAll()
		case <-flush.C:
			s.Flush(context.Background())
		}
	}
}

func (s *Service) wakeAll() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.targets {
		// Keep the earlier request if one is already debouncing.
		if _, ok := s.pending[key]; !ok {
			s.pending[key] = pendingWake{requestedAt: now, notBefore: now}
		}
	}
}

// Flush dispatches every wake whose debounce window has elapsed, up to
// max_dispatch_per_run. Exported for tests.
func (s *Service) Flush(ctx context.Context) {
	now := s.now()
	debounce := time.Duration(s.cfg.WakeDebounceMs) * time.Millisecond

	if !s.withinActiveHours(now) {
		return
	}

	s.mu.Lock()
	var due []string
	for key, w := range s.pending {
		if now.Sub(w.requestedAt) >= debounce && !now.Before(w.notBefore) {
			due = append(due, key)
		}
	}
	s.mu.Unlock()

	dispatched := 0
	for _, key := range due {
		if s.cfg.MaxDispatchPerRun > 0 && dispatched >= s.cfg.MaxDispatchPerRun {
			return
		}
		if s.dispatch(ctx, key) {
			dispatched++
		}
	}
}

// dispatch emits one wake, or defers it when the chat is busy. Returns true
// when an envelope was published.
func (s *Service) dispatch(ctx context.Context, key string) bool {
	s.mu.Lock()
	t, ok := s.targets[key]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if s.cfg.SkipWhenInboundBusy {
		busy, err := s.store.HasActiveInbound(ctx, t.channel, t.chatID)
		if err != nil {
			slog.Error("heartbeat busy check failed", "chat", key, "error", err)
			return false
		}
		if busy {
			retryAt := s.now().Add(time.Duration(s.cfg.WakeRetryMs) * time.Millisecond)
			s.mu.Lock()
			w := s.pending[key]
			w.notBefore = retryAt
			s.pending[key] = w
			s.mu.Unlock()
			slog.Debug("heartbeat deferred, chat busy", "chat", key, "retry_ms", s.cfg.WakeRetryMs)
			return false
		}
	}

	now := s.now()
	env := bus.Envelope{
		ID:        fmt.Sprintf("heartbeat:%s:%s:%d", t.channel, t.chatID, now.UnixMilli()),
		Channel:   t.channel,
		ChatID:    t.chatID,
		SenderID:  "heartbeat",
		Content:   s.prompt,
		CreatedAt: now,
		Metadata:  map[string]any{"isHeartbeat": true},
	}
	outcome, err := s.publisher.PublishInbound(ctx, env)
	if err != nil {
		slog.Error("heartbeat publish failed", "chat", key, "error", err)
		return false
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	slog.Info("heartbeat wake dispatched", "chat", key, "outcome", outcome)
	return true
}

func (s *Service) withinActiveHours(now time.Time) bool {
	if s.cfg.ActiveHours == "" {
		return true
	}
	startMin, endMin, err := config.ParseActiveHours(s.cfg.ActiveHours)
	if err != nil {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return minute >= startMin && minute < endMin
	}
	// Window crosses midnight.
	return minute >= startMin || minute < endMin
}

// ShouldSuppress decides whether a heartbeat reply stays silent: either the
// agent answered with the ack token, or an identical reply already went out
// within the dedupe window.
func (s *Service) ShouldSuppress(ctx context.Context, channel, chatID, content string) (bool, string, error) {
	trimmed := strings.TrimSpace(content)
	if s.cfg.SuppressAck && s.cfg.AckToken != "" && trimmed == s.cfg.AckToken {
		return true, "ack token", nil
	}
	if s.cfg.DedupeWindowMs > 0 {
		since := s.now().Add(-time.Duration(s.cfg.DedupeWindowMs) * time.Millisecond)
		dup, err := s.store.RecentOutboundContentExists(ctx, channel, chatID, content, since)
		if err != nil {
			return false, "", err
		}
		if dup {
			return true, "duplicate content", nil
		}
	}
	return false, "", nil
}

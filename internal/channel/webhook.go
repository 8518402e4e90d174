package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
)

const (
	webhookDefaultLimit = 50
	webhookMaxLimit     = 200
)

// webhookInbound is the accepted POST body.
type webhookInbound struct {
	ChatID    string         `json:"chatId"`
	Content   string         `json:"content"`
	SenderID  string         `json:"senderId"`
	ID        string         `json:"id"`
	CreatedAt int64          `json:"createdAt"`
	Metadata  map[string]any `json:"metadata"`
}

// outboxEntry is one undelivered outbound message.
type outboxEntry struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

type chatOutbox struct {
	entries   []outboxEntry
	updatedAt time.Time
}

// WebhookChannel exposes an HTTP inbound endpoint and an in-memory outbox
// that clients poll for replies.
type WebhookChannel struct {
	cfg       config.WebhookConfig
	publisher Publisher

	mu     sync.Mutex
	outbox map[string]*chatOutbox

	httpServer *http.Server
	now        func() time.Time
}

// NewWebhookChannel creates the webhook adapter.
func NewWebhookChannel(cfg config.WebhookConfig, publisher Publisher) *WebhookChannel {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/webhook"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 * 1024
	}
	return &WebhookChannel{
		cfg:       cfg,
		publisher: publisher,
		outbox:    make(map[string]*chatOutbox),
		now:       time.Now,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Start serves until shutdown.
func (c *WebhookChannel) Start(ctx context.Context) error {
	host := strings.TrimSpace(c.cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	c.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, c.cfg.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("webhook listening", "addr", c.httpServer.Addr, "path", c.cfg.Path)
	if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (c *WebhookChannel) Stop(ctx context.Context) error {
	if c.httpServer == nil {
		return nil
	}
	return c.httpServer.Shutdown(ctx)
}

// Send parks an outbound envelope in the chat's outbox for the next poll.
func (c *WebhookChannel) Send(_ context.Context, env bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	box := c.outbox[env.ChatID]
	if box == nil {
		if c.cfg.OutboxMaxChats > 0 && len(c.outbox) >= c.cfg.OutboxMaxChats {
			c.evictOldestChatLocked()
		}
		box = &chatOutbox{}
		c.outbox[env.ChatID] = box
	}
	box.entries = append(box.entries, outboxEntry{
		ID:        env.ID,
		Content:   env.Content,
		CreatedAt: c.now().UnixMilli(),
	})
	if c.cfg.OutboxMaxPerChat > 0 && len(box.entries) > c.cfg.OutboxMaxPerChat {
		box.entries = box.entries[len(box.entries)-c.cfg.OutboxMaxPerChat:]
	}
	box.updatedAt = c.now()
	return nil
}

// Handler builds the route table.
func (c *WebhookChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.cfg.Path, c.handleInbound)
	mux.HandleFunc(c.cfg.Path+"/outbound", c.handleOutbound)
	return mux
}

func (c *WebhookChannel) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != c.cfg.Path {
		writeWebhookError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeWebhookError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if status, msg := c.authorize(r); status != 0 {
		writeWebhookError(w, status, msg)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(c.cfg.MaxBodyBytes))
	var in webhookInbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeWebhookError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeWebhookError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(in.ChatID) == "" || strings.TrimSpace(in.Content) == "" {
		writeWebhookError(w, http.StatusBadRequest, "chatId and content are required")
		return
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = bus.NewMessageID()
	}
	senderID := strings.TrimSpace(in.SenderID)
	if senderID == "" {
		senderID = "webhook"
	}

	env := bus.Envelope{
		ID:       id,
		Channel:  "webhook",
		ChatID:   in.ChatID,
		SenderID: senderID,
		Content:  in.Content,
		Metadata: in.Metadata,
	}
	if in.CreatedAt > 0 {
		env.CreatedAt = time.UnixMilli(in.CreatedAt)
	}

	outcome, err := c.publisher.PublishInbound(r.Context(), env)
	if err != nil {
		writeWebhookError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeWebhookJSON(w, http.StatusAccepted, map[string]any{
		"ok": true, "id": id, "outcome": outcome,
	})
}

func (c *WebhookChannel) handleOutbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeWebhookError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if status, msg := c.authorize(r); status != 0 {
		writeWebhookError(w, status, msg)
		return
	}
	chatID := strings.TrimSpace(r.URL.Query().Get("chatId"))
	if chatID == "" {
		writeWebhookError(w, http.StatusBadRequest, "chatId is required")
		return
	}
	limit := webhookDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > webhookMaxLimit {
		limit = webhookMaxLimit
	}

	writeWebhookJSON(w, http.StatusOK, map[string]any{
		"messages": c.Drain(chatID, limit),
	})
}

// Drain removes and returns up to limit parked messages for a chat.
func (c *WebhookChannel) Drain(chatID string, limit int) []outboxEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	box := c.outbox[chatID]
	if box == nil || len(box.entries) == 0 {
		return []outboxEntry{}
	}
	n := limit
	if n > len(box.entries) {
		n = len(box.entries)
	}
	out := box.entries[:n]
	box.entries = box.entries[n:]
	box.updatedAt = c.now()
	if len(box.entries) == 0 {
		delete(c.outbox, chatID)
	}
	return out
}

// authorize checks the bearer or token header. Returns 0 when authorized.
func (c *WebhookChannel) authorize(r *http.Request) (int, string) {
	if c.cfg.AuthToken == "" {
		return 0, ""
	}
	presented := strings.TrimSpace(r.Header.Get("x-coreclaw-token"))
	if presented == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if presented == "" {
		return http.StatusUnauthorized, "missing token"
	}
	if presented != c.cfg.AuthToken {
		return http.StatusForbidden, "invalid token"
	}
	return 0, ""
}

func (c *WebhookChannel) pruneLocked() {
	if c.cfg.OutboxChatTtlMs <= 0 {
		return
	}
	cutoff := c.now().Add(-time.Duration(c.cfg.OutboxChatTtlMs) * time.Millisecond)
	for chatID, box := range c.outbox {
		if box.updatedAt.Before(cutoff) {
			delete(c.outbox, chatID)
		}
	}
}

func (c *WebhookChannel) evictOldestChatLocked() {
	var oldestChat string
	var oldestAt time.Time
	for chatID, box := range c.outbox {
		if oldestChat == "" || box.updatedAt.Before(oldestAt) {
			oldestChat = chatID
			oldestAt = box.updatedAt
		}
	}
	if oldestChat != "" {
		delete(c.outbox, oldestChat)
	}
}

func writeWebhookJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("write webhook response", "error", err)
	}
}

func writeWebhookError(w http.ResponseWriter, status int, message string) {
	writeWebhookJSON(w, status, map[string]any{"ok": false, "error": message})
}

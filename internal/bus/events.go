package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// Envelope is the unit carried by both durable queues. ID doubles as the
// dedupe key: publishing the same id twice is a no-op.
type Envelope struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	ChatID    string         `json:"chatId"`
	SenderID  string         `json:"senderId,omitempty"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionKey returns the chat identity the envelope belongs to.
func (e *Envelope) SessionKey() string {
	return e.Channel + ":" + e.ChatID
}

// MetaBool reads a boolean metadata flag.
func (e *Envelope) MetaBool(key string) bool {
	v, ok := e.Metadata[key].(bool)
	return ok && v
}

// MetaString reads a string metadata value.
func (e *Envelope) MetaString(key string) string {
	v, _ := e.Metadata[key].(string)
	return v
}

// NewMessageID creates a fresh envelope id.
func NewMessageID() string {
	return uuid.NewString()
}

// OutboundIDFor derives the deterministic outbound id for a reply to an
// inbound message. Replays of the same inbound therefore dedupe against the
// original reply.
func OutboundIDFor(channel, chatID, inboundID string) string {
	return fmt.Sprintf("outbound:%s:%s:%s", channel, chatID, inboundID)
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

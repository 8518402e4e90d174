package tools

import (
	"context"
	"strings"
)

type invocationContextKey struct{}

// InvocationContext carries caller identity for tool execution. Tools never
// see the router; everything they may touch arrives through this value and
// their constructor dependencies.
type InvocationContext struct {
	Channel   string
	ChatID    string
	ChatFk    int64
	Role      string
	SenderID  string
	RequestID string
}

// WithInvocationContext stores invocation metadata in context for tools.
func WithInvocationContext(ctx context.Context, meta InvocationContext) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, meta)
}

// InvocationFromContext reads invocation metadata from context.
func InvocationFromContext(ctx context.Context) InvocationContext {
	v := ctx.Value(invocationContextKey{})
	meta, ok := v.(InvocationContext)
	if !ok {
		return InvocationContext{}
	}
	meta.Channel = strings.TrimSpace(meta.Channel)
	meta.ChatID = strings.TrimSpace(meta.ChatID)
	meta.SenderID = strings.TrimSpace(meta.SenderID)
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	return meta
}

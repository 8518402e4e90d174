// Package audit records security-relevant actions with sensitive argument
// values redacted before they ever reach storage.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/coreclaw/coreclaw/internal/storage"
)

// Event kinds.
const (
	KindToolCall  = "tool_call"
	KindBootstrap = "admin_bootstrap"
)

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Exact argument keys always redacted.
var sensitiveKeys = map[string]bool{
	"bootstrapkey": true,
	"authtoken":    true,
	"apikey":       true,
}

// Recorder writes audit events to the durable store. A nil Recorder is a
// no-op so tests can skip auditing.
type Recorder struct {
	store *storage.Store
}

// NewRecorder creates a recorder over an opened store.
func NewRecorder(store *storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record persists one event. Audit failures are logged, never propagated;
// an audit problem must not fail the audited operation.
func (r *Recorder) Record(ctx context.Context, kind, tool, outcome, reason string, args map[string]any) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.AppendAuditEvent(ctx, kind, tool, outcome, reason, Redact(args)); err != nil {
		slog.Error("audit write failed", "kind", kind, "tool", tool, "error", err)
	}
}

// Redact serializes args with sensitive values replaced by [REDACTED].
// Matching is case-insensitive; any key containing "secret" or "password"
// counts as sensitive.
func Redact(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	clean := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			clean[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			var inner map[string]any
			if err := json.Unmarshal([]byte(Redact(nested)), &inner); err == nil {
				clean[k] = inner
				continue
			}
		}
		clean[k] = v
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	return string(out)
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	return strings.Contains(k, "secret") || strings.Contains(k, "password")
}

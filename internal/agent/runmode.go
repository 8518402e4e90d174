package agent

import "github.com/coreclaw/coreclaw/internal/bus"

// Run kinds derived from inbound envelope metadata.
const (
	KindChat      = "chat"
	KindHeartbeat = "heartbeat"
	KindScheduled = "scheduled"
)

// Context modes for scheduled runs.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// RunMode describes how one inbound turn should be contextualized.
type RunMode struct {
	Kind        string
	ContextMode string
}

// DeriveRunMode classifies an inbound envelope by its metadata.
func DeriveRunMode(env bus.Envelope) RunMode {
	if env.MetaBool("isHeartbeat") {
		return RunMode{Kind: KindHeartbeat, ContextMode: ContextGroup}
	}
	if env.MetaBool("isScheduledTask") {
		mode := ContextGroup
		if env.MetaString("contextMode") == ContextIsolated {
			mode = ContextIsolated
		}
		return RunMode{Kind: KindScheduled, ContextMode: mode}
	}
	return RunMode{Kind: KindChat, ContextMode: ContextGroup}
}

// IncludesChatContext reports whether chat memory, history, and the
// conversation summary join the prompt.
func (m RunMode) IncludesChatContext() bool {
	return m.Kind == KindChat || m.ContextMode == ContextGroup
}

package sandbox

import (
	"fmt"
	"sync"
	"time"
)

// circuitBreaker trips per tool after a run of consecutive failures and
// fails fast until the cooldown elapses.
type circuitBreaker struct {
	openAfter int
	resetMs   int
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*breakerState
}

type breakerState struct {
	failures int
	openedAt time.Time
	open     bool
}

func newCircuitBreaker(openAfter, resetMs int, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		openAfter: openAfter,
		resetMs:   resetMs,
		now:       now,
		state:     make(map[string]*breakerState),
	}
}

// allow returns an error while the breaker is open. Once the cooldown
// elapses the next call is let through as a probe.
func (b *circuitBreaker) allow(tool string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[tool]
	if !ok || !st.open {
		return nil
	}
	reopenAt := st.openedAt.Add(time.Duration(b.resetMs) * time.Millisecond)
	if b.now().Before(reopenAt) {
		return fmt.Errorf("circuit open for %s until %s", tool, reopenAt.Format(time.RFC3339))
	}
	// Half-open: permit one probe. A failure re-opens immediately.
	st.open = false
	st.failures = b.openAfter - 1
	return nil
}

func (b *circuitBreaker) recordSuccess(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[tool]; ok {
		st.failures = 0
		st.open = false
	}
}

func (b *circuitBreaker) recordFailure(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state[tool]
	if !ok {
		st = &breakerState{}
		b.state[tool] = st
	}
	st.failures++
	if b.openAfter > 0 && st.failures >= b.openAfter {
		st.open = true
		st.openedAt = b.now()
	}
}

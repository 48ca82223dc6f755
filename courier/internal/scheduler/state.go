package scheduler

import (
	"sync"
	"time"

	"github.com/telhawk-systems/courier/courier/internal/metrics"
)

// State is where a payload sits in the delivery lifecycle.
type State int

const (
	StateHold State = iota
	StateReady
	StateSending
	StateSent
	StateFailedRetryable
	StateFailedPermanent
)

func (s State) String() string {
	switch s {
	case StateHold:
		return "HOLD"
	case StateReady:
		return "READY"
	case StateSending:
		return "SENDING"
	case StateSent:
		return "SENT"
	case StateFailedRetryable:
		return "FAILED_RETRYABLE"
	case StateFailedPermanent:
		return "FAILED_PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the payload has left the store.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailedPermanent
}

type stateEntry struct {
	state    State
	updated  time.Time
	attempts int
}

// stateTable tracks per-payload state and guards against concurrent
// attempts for the same key.
type stateTable struct {
	mu      sync.RWMutex
	entries map[string]*stateEntry
	ttl     time.Duration
}

func newStateTable(ttl time.Duration) *stateTable {
	return &stateTable{entries: make(map[string]*stateEntry), ttl: ttl}
}

// mark records st for key unless an attempt is outstanding. A terminal
// state is only replaced by another terminal state.
func (t *stateTable) mark(key string, st State, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		t.entries[key] = &stateEntry{state: st, updated: now}
		return
	}
	if e.state == StateSending || (e.state.Terminal() && !st.Terminal()) {
		return
	}
	e.state = st
	e.updated = now
}

// begin moves key to SENDING. It returns false if an attempt for key is
// already outstanding or the payload already left the store; a terminal
// entry blocks new attempts until sweep drops it.
func (t *stateTable) begin(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &stateEntry{}
		t.entries[key] = e
	} else if e.state == StateSending || e.state.Terminal() {
		return false
	}
	e.state = StateSending
	e.updated = now
	e.attempts++
	metrics.InFlightDeliveries.Inc()
	return true
}

// finish ends the outstanding attempt for key with st.
func (t *stateTable) finish(key string, st State, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.state != StateSending {
		return
	}
	e.state = st
	e.updated = now
	metrics.InFlightDeliveries.Dec()
}

func (t *stateTable) get(key string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// sweep drops terminal entries older than the ttl.
func (t *stateTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, e := range t.entries {
		if e.state.Terminal() && now.Sub(e.updated) > t.ttl {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

func (t *stateTable) counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range t.entries {
		out[e.state.String()]++
	}
	return out
}

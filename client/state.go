package client

import (
	"sync"
	"time"
)

// ConnectionState represents the lifecycle state of the managed session.
type ConnectionState int

const (
	// DISCONNECTED indicates no session exists.
	DISCONNECTED ConnectionState = iota
	// CONNECTING indicates a session is being opened.
	CONNECTING
	// HEALTHY indicates the session answered its last probe or statement.
	HEALTHY
	// DEGRADED indicates the session failed, timed out or aged out and must be
	// replaced before it is used again.
	DEGRADED
)

// String returns the string representation of the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case DISCONNECTED:
		return "DISCONNECTED"
	case CONNECTING:
		return "CONNECTING"
	case HEALTHY:
		return "HEALTHY"
	case DEGRADED:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// DefaultTransitionHistory is the number of transitions a StateManager keeps.
const DefaultTransitionHistory = 64

// StateTransition records one change of connection state.
type StateTransition struct {
	// From is the previous state.
	From ConnectionState

	// To is the new current state.
	To ConnectionState

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Reason is a short description such as "connect", "probe failed" or
	// "session age exceeded".
	Reason string

	// Error is the failure that caused the transition, if any.
	Error error

	// Duration is how long the previous state was held.
	Duration time.Duration

	// Generation is the session generation current after the transition.
	Generation uint64
}

// StateChangeHandler is called when the connection state changes.
type StateChangeHandler func(transition StateTransition)

// StateManager manages connection state transitions, their history and
// the handlers observing them.
type StateManager struct {
	current        ConnectionState
	lastTransition time.Time
	handlers       []StateChangeHandler
	history        []StateTransition
	limit          int
	mu             sync.RWMutex
}

// NewStateManager creates a state manager in DISCONNECTED state that keeps at
// most limit transitions. A non-positive limit uses DefaultTransitionHistory.
func NewStateManager(limit int) *StateManager {
	if limit <= 0 {
		limit = DefaultTransitionHistory
	}
	return &StateManager{
		current:        DISCONNECTED,
		lastTransition: time.Now(),
		limit:          limit,
	}
}

// TransitionTo moves to newState. It returns a *StateError if the transition
// is illegal.
//
// Legal transitions:
//   - DISCONNECTED → CONNECTING
//   - CONNECTING → HEALTHY | DISCONNECTED
//   - HEALTHY → DEGRADED | DISCONNECTED
//   - DEGRADED → HEALTHY | DISCONNECTED
func (sm *StateManager) TransitionTo(newState ConnectionState, reason string, err error, generation uint64) error {
	sm.mu.Lock()

	if !isLegalTransition(sm.current, newState) {
		from := sm.current
		sm.mu.Unlock()
		return newStateError("transition", from, newState)
	}

	now := time.Now()
	transition := StateTransition{
		From:       sm.current,
		To:         newState,
		Timestamp:  now,
		Reason:     reason,
		Error:      err,
		Duration:   now.Sub(sm.lastTransition),
		Generation: generation,
	}

	sm.current = newState
	sm.lastTransition = now
	sm.history = append(sm.history, transition)
	if len(sm.history) > sm.limit {
		sm.history = append(sm.history[:0:0], sm.history[len(sm.history)-sm.limit:]...)
	}

	handlers := make([]StateChangeHandler, len(sm.handlers))
	copy(handlers, sm.handlers)
	sm.mu.Unlock()

	// Handlers run without the lock so they may inspect the manager.
	for _, handler := range handlers {
		handler(transition)
	}
	return nil
}

func isLegalTransition(from, to ConnectionState) bool {
	switch from {
	case DISCONNECTED:
		return to == CONNECTING
	case CONNECTING:
		return to == HEALTHY || to == DISCONNECTED
	case HEALTHY:
		return to == DEGRADED || to == DISCONNECTED
	case DEGRADED:
		return to == HEALTHY || to == DISCONNECTED
	default:
		return false
	}
}

// OnStateChange registers a handler to be called on state transitions.
func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// GetState returns the current connection state.
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// History returns the retained transitions, oldest first.
func (sm *StateManager) History() []StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]StateTransition(nil), sm.history...)
}

// GetLastTransition returns the most recent transition, or the zero value if
// none happened yet.
func (sm *StateManager) GetLastTransition() StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if len(sm.history) == 0 {
		return StateTransition{From: sm.current, To: sm.current, Timestamp: sm.lastTransition}
	}
	return sm.history[len(sm.history)-1]
}

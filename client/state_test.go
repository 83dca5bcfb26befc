package client

import (
	"errors"
	"testing"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{DISCONNECTED, "DISCONNECTED"},
		{CONNECTING, "CONNECTING"},
		{HEALTHY, "HEALTHY"},
		{DEGRADED, "DEGRADED"},
		{ConnectionState(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(0)

	if sm.GetState() != DISCONNECTED {
		t.Errorf("expected initial state DISCONNECTED, got %s", sm.GetState())
	}
	if len(sm.History()) != 0 {
		t.Errorf("expected empty history, got %d entries", len(sm.History()))
	}
}

// walkTo drives a fresh state manager to state along legal transitions.
func walkTo(t *testing.T, sm *StateManager, state ConnectionState) {
	t.Helper()
	var path []ConnectionState
	switch state {
	case CONNECTING:
		path = []ConnectionState{CONNECTING}
	case HEALTHY:
		path = []ConnectionState{CONNECTING, HEALTHY}
	case DEGRADED:
		path = []ConnectionState{CONNECTING, HEALTHY, DEGRADED}
	}
	for _, s := range path {
		if err := sm.TransitionTo(s, "setup", nil, 0); err != nil {
			t.Fatalf("setup transition to %s: %v", s, err)
		}
	}
}

func TestLegalStateTransitions(t *testing.T) {
	states := []ConnectionState{DISCONNECTED, CONNECTING, HEALTHY, DEGRADED}
	legal := map[[2]ConnectionState]bool{
		{DISCONNECTED, CONNECTING}: true,
		{CONNECTING, HEALTHY}:      true,
		{CONNECTING, DISCONNECTED}: true,
		{HEALTHY, DEGRADED}:        true,
		{HEALTHY, DISCONNECTED}:    true,
		{DEGRADED, HEALTHY}:        true,
		{DEGRADED, DISCONNECTED}:   true,
	}

	for _, from := range states {
		for _, to := range states {
			name := from.String() + " to " + to.String()
			t.Run(name, func(t *testing.T) {
				sm := NewStateManager(0)
				walkTo(t, sm, from)

				err := sm.TransitionTo(to, "test", nil, 0)
				shouldOK := legal[[2]ConnectionState{from, to}]

				if shouldOK && err != nil {
					t.Errorf("expected legal transition, got error: %v", err)
				}
				if !shouldOK {
					var stateErr *StateError
					if !errors.As(err, &stateErr) {
						t.Fatalf("expected *StateError, got %v", err)
					}
					if stateErr.From != from || stateErr.To != to {
						t.Errorf("unexpected error details %+v", stateErr)
					}
					if sm.GetState() != from {
						t.Errorf("illegal transition changed state to %s", sm.GetState())
					}
				}
			})
		}
	}
}

func TestStateChangeHandlers(t *testing.T) {
	sm := NewStateManager(0)

	var captured []StateTransition
	sm.OnStateChange(func(transition StateTransition) {
		// Handlers run without the lock held.
		_ = sm.GetState()
		captured = append(captured, transition)
	})

	cause := errors.New("refused")
	if err := sm.TransitionTo(CONNECTING, "connect", nil, 0); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := sm.TransitionTo(DISCONNECTED, "connect failed", cause, 0); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if len(captured) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(captured))
	}
	trans := captured[1]
	if trans.From != CONNECTING || trans.To != DISCONNECTED {
		t.Errorf("unexpected transition %s → %s", trans.From, trans.To)
	}
	if trans.Reason != "connect failed" || trans.Error != cause {
		t.Errorf("unexpected reason/error %q %v", trans.Reason, trans.Error)
	}
}

func TestTransitionHistoryIsBounded(t *testing.T) {
	sm := NewStateManager(4)
	walkTo(t, sm, HEALTHY)

	for i := 0; i < 10; i++ {
		if err := sm.TransitionTo(DEGRADED, "flap", nil, uint64(i)); err != nil {
			t.Fatal(err)
		}
		if err := sm.TransitionTo(HEALTHY, "recover", nil, uint64(i)); err != nil {
			t.Fatal(err)
		}
	}

	history := sm.History()
	if len(history) != 4 {
		t.Fatalf("expected 4 retained transitions, got %d", len(history))
	}
	last := sm.GetLastTransition()
	if last.To != HEALTHY || last.Generation != 9 {
		t.Errorf("unexpected last transition %+v", last)
	}
	if history[0].To != DEGRADED || history[3].To != HEALTHY {
		t.Errorf("history not ordered oldest first: %+v", history)
	}
}

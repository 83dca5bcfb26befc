package loader

import (
	"fmt"
	"sync"
	"time"
)

// JobState is the lifecycle position of a load job.
type JobState int

const (
	CREATED JobState = iota
	INFERRING
	SCHEMA_FROZEN
	WRITING
	LOADING
	COMPLETED
	PARTIALLY_FAILED
	FAILED
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	switch s {
	case CREATED:
		return "CREATED"
	case INFERRING:
		return "INFERRING"
	case SCHEMA_FROZEN:
		return "SCHEMA_FROZEN"
	case WRITING:
		return "WRITING"
	case LOADING:
		return "LOADING"
	case COMPLETED:
		return "COMPLETED"
	case PARTIALLY_FAILED:
		return "PARTIALLY_FAILED"
	case FAILED:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == COMPLETED || s == PARTIALLY_FAILED || s == FAILED
}

// MarshalText renders the state name in JSON and YAML output.
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var jobTransitions = map[JobState][]JobState{
	CREATED:       {INFERRING, SCHEMA_FROZEN},
	INFERRING:     {SCHEMA_FROZEN},
	SCHEMA_FROZEN: {WRITING},
	WRITING:       {LOADING},
	LOADING:       {COMPLETED, PARTIALLY_FAILED},
}

func canTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == FAILED {
		return true
	}
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobTransition records one state change of a job.
type JobTransition struct {
	From      JobState
	To        JobState
	Timestamp time.Time
	Reason    string
}

type jobStateMachine struct {
	mu      sync.RWMutex
	current JobState
	history []JobTransition
}

func (m *jobStateMachine) get() JobState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *jobStateMachine) transition(to JobState, reason string) (JobTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canTransition(m.current, to) {
		return JobTransition{}, fmt.Errorf("illegal job transition %s -> %s", m.current, to)
	}
	tr := JobTransition{From: m.current, To: to, Timestamp: time.Now(), Reason: reason}
	m.current = to
	m.history = append(m.history, tr)
	return tr, nil
}

func (m *jobStateMachine) transitions() []JobTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]JobTransition(nil), m.history...)
}

package session

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateResponding
	StateInterrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateResponding:
		return "RESPONDING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:        {StateListening, StateClosed},
	StateListening:   {StateThinking, StateClosed},
	StateThinking:    {StateResponding, StateInterrupted, StateListening, StateClosed},
	StateResponding:  {StateListening, StateInterrupted, StateClosed},
	StateInterrupted: {StateListening, StateClosed},
}

// stateMachine implements the finite state machine for a session.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	enteredAt    time.Time
	listeners    []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle, enteredAt: time.Now()}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// Since returns how long the current state has been held.
func (sm *stateMachine) Since() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.enteredAt)
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Listeners are notified
// after the lock is released.
func (sm *stateMachine) Transition(to State, reason string) error {
	sm.mu.Lock()
	if !transitionValid(sm.currentState, to) {
		from := sm.currentState
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	event := StateChange{FromState: sm.currentState, ToState: to, Timestamp: time.Now(), Reason: reason}
	sm.currentState = to
	sm.enteredAt = event.Timestamp
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

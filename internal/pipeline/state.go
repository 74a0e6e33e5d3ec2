package pipeline

import (
	"fmt"
	"slices"
	"sync"
)

// State is a step of the consumption loop.
type State int

const (
	// StateIdle indicates Run has not started yet.
	StateIdle State = iota
	// StateAwaitingRecord indicates the loop is waiting for the next record.
	StateAwaitingRecord
	// StateDecoding indicates the loop is decoding a payload.
	StateDecoding
	// StateExecuting indicates an operation is running against the database.
	StateExecuting
	// StateAcknowledging indicates the record is being acknowledged.
	StateAcknowledging
	// StateTerminated indicates the loop has stopped, normally or not.
	StateTerminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRecord:
		return "awaiting_record"
	case StateDecoding:
		return "decoding"
	case StateExecuting:
		return "executing"
	case StateAcknowledging:
		return "acknowledging"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateIdle:           {StateAwaitingRecord, StateTerminated},
	StateAwaitingRecord: {StateDecoding, StateTerminated},
	StateDecoding:       {StateExecuting, StateTerminated},
	StateExecuting:      {StateAcknowledging, StateTerminated},
	StateAcknowledging:  {StateAwaitingRecord, StateTerminated},
	StateTerminated:     {},
}

// StateMachine manages loop state transitions.
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	listeners []StateChangeListener
}

// StateChangeListener is called when state changes.
type StateChangeListener func(from, to State)

// NewStateMachine creates a new state machine starting in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state: StateIdle,
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Transition attempts to transition to the target state.
// Returns an error if the transition is not valid.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()

	if !slices.Contains(validTransitions[sm.state], target) {
		from := sm.state
		sm.mu.Unlock()
		return fmt.Errorf("invalid state transition from %s to %s", from, target)
	}

	from := sm.state
	sm.state = target

	listeners := make([]StateChangeListener, len(sm.listeners))
	copy(listeners, sm.listeners)

	// Listeners run without the lock held.
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener(from, target)
	}

	return nil
}

// AddListener adds a state change listener.
func (sm *StateMachine) AddListener(listener StateChangeListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// IsTerminal returns true once the loop has terminated.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state == StateTerminated
}

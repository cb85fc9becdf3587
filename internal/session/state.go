package session

import (
	"fmt"
)

// State is the lifecycle phase of a session.
type State string

const (
	// StateConnecting covers the initial dial and its retries.
	StateConnecting State = "connecting"
	// StateReady accepts writes and streams output.
	StateReady State = "ready"
	// StateDegraded means the transport dropped and reconnection is running.
	// Writes are rejected until the session is ready again.
	StateDegraded State = "degraded"
	// StateClosed is the terminal state after an orderly Close.
	StateClosed State = "closed"
	// StateFailed is the terminal state after reconnection gave up.
	StateFailed State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var validTransitions = map[State][]State{
	StateConnecting: {StateReady, StateFailed, StateClosed},
	StateReady:      {StateDegraded, StateClosed},
	StateDegraded:   {StateReady, StateFailed, StateClosed},
	StateClosed:     {},
	StateFailed:     {},
}

// IllegalTransitionError reports a transition the lifecycle does not allow.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}

func checkTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &IllegalTransitionError{From: from, To: to}
}

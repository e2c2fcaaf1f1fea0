package intent

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for any (from, to) pair outside the
// successor table.
var ErrInvalidTransition = errors.New("invalid_transition")

// successors is the state machine as data: the only legal edges.
// Rejection edges exist from both pre-approval states so a
// classification miss or a gate denial can terminate the intent.
var successors = map[State][]State{
	StateProposed:         {StateClassified, StateRejected},
	StateClassified:       {StateAwaitingApproval, StateApproved, StateRejected},
	StateAwaitingApproval: {StateApproved, StateRejected, StateCanceled},
	StateApproved:         {StateRunning, StateCanceled},
	StateRunning:          {StateCompleted, StateFailed, StateBlocked, StateWaitingForInput},
	StateBlocked:          {StateApproved, StateCanceled, StateFailed},
	StateWaitingForInput:  {StateRunning, StateCanceled, StateFailed},

	// Terminal states: no outgoing edges.
	StateCompleted: {},
	StateFailed:    {},
	StateRejected:  {},
	StateCanceled:  {},
}

// IsTerminal reports whether a state permits no further transitions.
func IsTerminal(s State) bool {
	next, ok := successors[s]
	return ok && len(next) == 0
}

// IsValidState reports whether s is one of the defined symbols.
func IsValidState(s State) bool {
	_, ok := successors[s]
	return ok
}

// Successors returns the legal target states from s.
func Successors(s State) []State {
	return append([]State(nil), successors[s]...)
}

// CanTransition validates one edge. Returns ErrInvalidTransition with
// the offending pair for anything outside the table.
func CanTransition(from, to State) error {
	next, ok := successors[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	for _, s := range next {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

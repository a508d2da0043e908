package status

import (
	"errors"
	"fmt"
	"slices"
)

// State is the delivery state of a single message.
type State string

const (
	Sending   State = "sending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
	Failed    State = "failed"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions defines allowed state transitions. Read is terminal.
var validTransitions = map[State][]State{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Failed:    {Sending},
	Read:      {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Parse converts a stored or wire value into a State.
func Parse(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// CanTransition reports whether from -> to is allowed. Re-applying Read to a
// read message is accepted as a no-op.
func CanTransition(from, to State) bool {
	if from == Read && to == Read {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// Transition validates from -> to and returns the resulting state.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// Rank orders states by delivery progress. Failed ranks with Sending since a
// failed message has not left the device.
func Rank(s State) int {
	switch s {
	case Sending, Failed:
		return 0
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	}
	return -1
}

// Change is the payload for message status change events.
type Change struct {
	ConversationID string
	MessageID      string
	From           State
	To             State
}

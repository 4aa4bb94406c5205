package client

import (
	"errors"
	"fmt"
)

// State is the client's position in the job protocol.
type State int

const (
	StateIdle State = iota
	StateSendingPairs
	StateJobClosed
	StatePolling
	StateResultReady
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSendingPairs:
		return "SENDING_PAIRS"
	case StateJobClosed:
		return "JOB_CLOSED"
	case StatePolling:
		return "POLLING"
	case StateResultReady:
		return "RESULT_READY"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ErrInvalidTransition is returned when an operation is called out of order.
var ErrInvalidTransition = errors.New("invalid state transition")

// isValidTransition enforces the allowed protocol edges.
func isValidTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	switch from {
	case StateIdle:
		return to == StateSendingPairs
	case StateSendingPairs:
		return to == StateJobClosed
	case StateJobClosed:
		return to == StatePolling
	case StatePolling:
		return to == StateResultReady
	case StateResultReady:
		return to == StateDone
	default:
		return false
	}
}

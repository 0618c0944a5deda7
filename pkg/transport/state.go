package transport

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a [Transport].
//
//	Disconnected → Connecting → Connected → Closing → Closed
//	                   └────────────┴──────→ Error
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateError
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool { return s == StateClosed || s == StateError }

// Outcome describes what happened to one outbound frame.
type Outcome int

const (
	// OutcomeSent means the frame was queued for immediate transmission.
	OutcomeSent Outcome = iota
	// OutcomeBuffered means the frame was held in the pre-connect FIFO.
	OutcomeBuffered
	// OutcomeDiscarded means the transport is closing or closed.
	OutcomeDiscarded
	// OutcomeGated means a silent chunk was suppressed while connected.
	OutcomeGated
)

// String returns a human-readable label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeGated:
		return "gated"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

var (
	// ErrConnectionFailed is reported when the connection could not be
	// established.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrConnectionLost is reported when an established connection ended
	// without [Transport.Close] having been called.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrAlreadyOpened is returned by [Transport.Open] on a second call.
	ErrAlreadyOpened = errors.New("transport: already opened")
)

// BackendError is an explicit error message sent by the backend. It does not
// close the transport.
type BackendError struct {
	SegmentID string
	Message   string
}

func (e *BackendError) Error() string {
	if e.SegmentID != "" {
		return fmt.Sprintf("backend error (segment %s): %s", e.SegmentID, e.Message)
	}
	return "backend error: " + e.Message
}

package cssession

import "fmt"

// Status is a session's lifecycle state.
//
// Sessions move strictly forward:
// Created -> Active -> Closing -> Closed.
// Closed is terminal; no transition of any kind
// is accepted for a closed session.
type Status uint8

const (
	_ Status = iota // Zero value invalid.

	// StatusCreated means the creation proposal was sent
	// and the settlement backend has not yet acknowledged it.
	StatusCreated

	// StatusActive means the backend acknowledged the session;
	// operate, deposit and withdraw transitions are accepted.
	StatusActive

	// StatusClosing means a close proposal reached quorum
	// and the challenge window is running.
	StatusClosing

	// StatusClosed is terminal.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

package csengine

import (
	"errors"
	"fmt"

	"github.com/channel-engine/chorus/cs/cssettle"
)

var (
	// ErrVersionConflict indicates a candidate whose version
	// is not exactly the session's current version plus one.
	// It is recoverable: refetch the current state and rebuild.
	ErrVersionConflict = errors.New("version conflict")

	// ErrQuorumNotReached indicates a candidate that has not yet
	// accumulated enough signing weight.
	// It is recoverable by waiting for more signatures.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrSessionClosed indicates an operation against a session
	// in its terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoPendingCandidate indicates signatures arriving
	// with no candidate outstanding to attach them to.
	ErrNoPendingCandidate = errors.New("no pending candidate")

	// ErrUnknownSession indicates a session id
	// this engine has neither created nor joined.
	ErrUnknownSession = errors.New("unknown session")
)

// BackendRejectedError reports a settlement backend rejection.
// The backend's reason is opaque to this engine;
// retry policy belongs to the caller,
// who must confirm the current version before resubmitting.
type BackendRejectedError struct {
	Status cssettle.SubmitStatus
	Reason string
}

func (e *BackendRejectedError) Error() string {
	return fmt.Sprintf("backend rejected transition (%s): %s", e.Status, e.Reason)
}

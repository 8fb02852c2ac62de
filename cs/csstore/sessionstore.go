// Package csstore defines the storage interfaces for session state
// and accepted-transition history.
//
// Stores only ever hold state the settlement backend has acknowledged;
// pending candidates live in the engine and are lost on restart,
// which is safe because an unsubmitted candidate has no effect
// on any other participant's view.
package csstore

import (
	"context"
	"errors"

	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
)

// ErrSessionNotFound indicates a lookup for a session id
// the store has never seen.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is the persisted snapshot of one session.
type SessionRecord struct {
	ID string

	Def cssession.Definition

	Status cssession.Status

	// Version and Vector reflect the latest
	// backend-acknowledged transition.
	Version uint64
	Vector  csledger.AllocationVector
}

// SessionStore stores and retrieves session snapshots.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// SaveSession inserts or overwrites the record for its session id.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// LoadSession returns the record for the given session id,
	// or a wrapped [ErrSessionNotFound].
	LoadSession(ctx context.Context, id string) (SessionRecord, error)

	// ListSessions returns all known session records.
	// Order is unspecified.
	ListSessions(ctx context.Context) ([]SessionRecord, error)
}

// AcceptedTransition is one entry of a session's transition log:
// the accepted vector at a version
// together with the signatures that carried it to quorum.
// The log is sufficient to reconstruct history
// and serves as proof material during a challenge window.
type AcceptedTransition struct {
	Version uint64

	Kind csledger.TransitionKind

	Vector csledger.AllocationVector

	Signatures []cssession.SparseSignature
}

// TransitionLogStore stores the per-session history
// of backend-accepted transitions.
// Implementations must be safe for concurrent use.
type TransitionLogStore interface {
	// SaveTransition appends an accepted transition.
	// Saving the same version twice must be idempotent:
	// acknowledgments may be delivered more than once.
	SaveTransition(ctx context.Context, sessionID string, tx AcceptedTransition) error

	// LoadTransitions returns the session's history in version order.
	// An unknown session id returns an empty slice, not an error.
	LoadTransitions(ctx context.Context, sessionID string) ([]AcceptedTransition, error)
}

// Package cssettle defines the settlement backend interface:
// the external service of record that authoritatively accepts
// or rejects session transitions.
//
// Local quorum computation is necessary but never sufficient;
// participants must only treat a transition as accepted
// after the backend acknowledges it.
package cssettle

import (
	"context"

	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
)

// SubmitStatus is the backend's decision on a submitted transition.
type SubmitStatus uint8

const (
	_ SubmitStatus = iota // Zero value invalid.

	// SubmitAccepted means the transition is now the session's
	// authoritative state at its version.
	SubmitAccepted

	// SubmitVersionConflict means the candidate's version
	// is not exactly currentVersion+1.
	// The result carries the authoritative current state
	// so the submitter can rebuild.
	SubmitVersionConflict

	// SubmitQuorumNotReached means the verified signer set
	// does not carry enough weight.
	SubmitQuorumNotReached

	// SubmitInvalidSignature means at least one submitted signature
	// failed verification against the candidate's sign digest.
	SubmitInvalidSignature

	// SubmitLedgerRejected means the proposed vector
	// violates the allocation rules for the transition kind.
	SubmitLedgerRejected

	// SubmitSessionClosed means the session is terminal;
	// nothing is ever accepted again for its id.
	SubmitSessionClosed
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitAccepted:
		return "accepted"
	case SubmitVersionConflict:
		return "version_conflict"
	case SubmitQuorumNotReached:
		return "quorum_not_reached"
	case SubmitInvalidSignature:
		return "invalid_signature"
	case SubmitLedgerRejected:
		return "ledger_rejected"
	case SubmitSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// SubmitRequest is a quorum-signed candidate transition
// submitted for settlement.
type SubmitRequest struct {
	SessionID string

	// Version must be exactly the session's current version plus one.
	Version uint64

	Transition csledger.Transition

	// Signatures over the candidate's sign digest.
	// The backend re-verifies every one; order carries no meaning.
	Signatures []cssession.SparseSignature
}

// SubmitResult is the backend's response to a submission.
type SubmitResult struct {
	Status SubmitStatus

	// Reason is a human-readable explanation for rejections.
	Reason string

	// CurrentVersion and CurrentVector are the authoritative state
	// at the time of the decision, always populated,
	// so a conflicting submitter can rebuild its candidate
	// without a second round trip.
	CurrentVersion uint64
	CurrentVector  csledger.AllocationVector
}

// Backend is the settlement service of record.
//
// Implementations must serialize decisions per session:
// at most one transition is accepted per version,
// and competing submissions at the same version
// fail with [SubmitVersionConflict].
type Backend interface {
	// CreateSession registers a session from its definition
	// and initial allocation vector, assigning the session id.
	CreateSession(ctx context.Context, def cssession.Definition, initial csledger.AllocationVector) (sessionID string, err error)

	// SubmitTransition submits an operate, deposit or withdraw
	// transition for an active session -- or, during a challenge
	// window, a close-kind counter-proposal (a dispute).
	SubmitTransition(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// CloseSession submits a close transition.
	// On acceptance the session enters its challenge window;
	// with a zero window it closes immediately.
	CloseSession(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

package csengine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
)

// Candidate is a proposed transition in the form
// exchanged between participants while signatures are collected.
//
// The full proposed vector travels with the candidate
// so that every participant can re-run ledger validation locally
// before contributing a signature;
// a participant must never sign a candidate
// it has not validated itself,
// no matter how many signatures it already carries.
type Candidate struct {
	SessionID string `json:"sessionId"`

	// Version the candidate targets: current version plus one.
	Version uint64 `json:"version"`

	Kind csledger.TransitionKind `json:"kind"`

	Proposed csledger.AllocationVector `json:"proposed"`

	// Deposit/withdraw details; zero for other kinds.
	Actor  common.Address `json:"actor,omitempty"`
	Asset  string         `json:"asset,omitempty"`
	Amount *big.Int       `json:"amount,omitempty"`

	// Signatures collected so far, in sparse form.
	Signatures []cssession.SparseSignature `json:"signatures"`
}

// Transition returns the ledger transition the candidate proposes.
func (c Candidate) Transition() csledger.Transition {
	return csledger.Transition{
		Kind:     c.Kind,
		Proposed: c.Proposed,
		Actor:    c.Actor,
		Asset:    c.Asset,
		Amount:   c.Amount,
	}
}

// Target returns the sign target every signer of this candidate commits to.
func (c Candidate) Target() cssession.TransitionTarget {
	return c.Transition().Target(c.SessionID, c.Version)
}

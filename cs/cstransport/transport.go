// Package cstransport defines the wire envelopes
// participants exchange while collecting signatures
// and relaying accepted transitions.
//
// The transport is intentionally dumb:
// envelopes are opaque to the relay carrying them,
// and receivers must tolerate duplicate and reordered delivery.
// All protocol validation happens in the engine.
package cstransport

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/channel-engine/chorus/cs/csengine"
	"github.com/channel-engine/chorus/cs/cssession"
)

// MsgType discriminates the payload of an [Envelope].
type MsgType string

const (
	// MsgHello is the first message on a new connection,
	// announcing the sender's participant address.
	MsgHello MsgType = "hello"

	// MsgCandidate carries a proposed transition seeking signatures.
	MsgCandidate MsgType = "candidate"

	// MsgSignature carries one participant's signature
	// over an outstanding candidate, addressed back to the proposer.
	MsgSignature MsgType = "signature"

	// MsgAck carries a backend-accepted transition
	// with its full signature set.
	MsgAck MsgType = "ack"
)

// SignaturePayload is the body of a [MsgSignature] envelope.
type SignaturePayload struct {
	SessionID string `json:"sessionId"`

	// Version of the candidate the signature is over.
	Version uint64 `json:"version"`

	Sig cssession.SparseSignature `json:"sig"`
}

// Envelope is the single message type of the relay protocol.
// Exactly one payload field is set, matching Type.
type Envelope struct {
	Type MsgType `json:"type"`

	// From is the hex address of the sending participant.
	// The relay stamps this from the authenticated connection;
	// receivers must not trust a self-reported value.
	From string `json:"from,omitempty"`

	// To optionally addresses the envelope to one participant's
	// hex address. Empty means broadcast.
	To string `json:"to,omitempty"`

	Candidate *csengine.Candidate `json:"candidate,omitempty"`
	Signature *SignaturePayload   `json:"signature,omitempty"`
	Ack       *csengine.Candidate `json:"ack,omitempty"`
}

// ErrMalformedEnvelope indicates an envelope
// whose payload does not match its declared type.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Validate checks that the envelope's payload matches its type.
func (e Envelope) Validate() error {
	switch e.Type {
	case MsgHello:
		if !common.IsHexAddress(e.From) {
			return fmt.Errorf("hello with invalid from address %q: %w", e.From, ErrMalformedEnvelope)
		}
	case MsgCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("candidate envelope without candidate: %w", ErrMalformedEnvelope)
		}
	case MsgSignature:
		if e.Signature == nil {
			return fmt.Errorf("signature envelope without signature: %w", ErrMalformedEnvelope)
		}
	case MsgAck:
		if e.Ack == nil {
			return fmt.Errorf("ack envelope without ack: %w", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("unknown envelope type %q: %w", e.Type, ErrMalformedEnvelope)
	}
	return nil
}

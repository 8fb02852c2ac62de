package cssession

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/channel-engine/chorus/ccrypto"
	"github.com/ethereum/go-ethereum/common"
)

// SparseSignature is a single participant signature
// in the form exchanged between participants over the network.
// The key ID is the big-endian uint16 index of the participant
// in the session definition's participant list.
type SparseSignature struct {
	KeyID []byte `json:"keyId"`
	Sig   []byte `json:"sig"`
}

// MergeResult describes the effect of merging sparse signatures
// into a [SignatureProof].
type MergeResult struct {
	// AllValidSignatures is false if any incoming signature
	// failed verification or referenced an out-of-range key ID.
	AllValidSignatures bool

	// IncreasedSignatures is true if the merge added
	// at least one signer that the proof did not already have.
	IncreasedSignatures bool
}

// SignatureProof collects participant signatures
// over one transition target's sign digest.
//
// The proof tracks signers by participant index in the definition order;
// a duplicate signature from the same participant
// never contributes additional weight.
// Incoming sparse signatures are untrusted
// and every one is verified before it is admitted.
type SignatureProof struct {
	digest [32]byte

	def Definition

	// participant index -> signature bytes
	sigs map[int][]byte

	bs *bitset.BitSet
}

// NewSignatureProof returns an empty proof
// for signatures over digest by the definition's participants.
func NewSignatureProof(digest [32]byte, def Definition) SignatureProof {
	return SignatureProof{
		digest: digest,
		def:    def,
		sigs:   make(map[int][]byte),
		bs:     bitset.New(uint(len(def.Participants))),
	}
}

// Digest returns the sign digest this proof collects signatures for.
func (p SignatureProof) Digest() [32]byte {
	return p.digest
}

// AddSignature verifies sig against the proof's digest
// and records it for the recovered participant.
//
// A signature recovering to an identity outside the definition
// fails with a wrapped [ErrUnknownParticipant];
// a malformed signature fails with [ccrypto.ErrInvalidSignature].
func (p SignatureProof) AddSignature(sig []byte) error {
	addr, err := ccrypto.RecoverAddress(p.digest, sig)
	if err != nil {
		return err
	}

	idx, ok := p.def.Index(addr)
	if !ok {
		return fmt.Errorf("signature recovered to %s: %w", addr, ErrUnknownParticipant)
	}

	p.sigs[idx] = bytes.Clone(sig)
	p.bs.Set(uint(idx))
	return nil
}

// Has reports whether the proof already holds a signature from addr.
func (p SignatureProof) Has(addr common.Address) bool {
	idx, ok := p.def.Index(addr)
	if !ok {
		return false
	}
	return p.bs.Test(uint(idx))
}

// SignerBitSet writes the proof's signer set to dst,
// indices matching the definition's participant order.
// The caller providing the destination controls allocations.
func (p SignatureProof) SignerBitSet(dst *bitset.BitSet) {
	p.bs.CopyFull(dst)
}

// SignerAddrs returns the distinct signer identities present in the proof,
// in definition order.
func (p SignatureProof) SignerAddrs() []common.Address {
	out := make([]common.Address, 0, p.bs.Count())
	for i, part := range p.def.Participants {
		if p.bs.Test(uint(i)) {
			out = append(out, part.Addr)
		}
	}
	return out
}

// Quorum evaluates the proof's current signer set
// against the session definition.
func (p SignatureProof) Quorum() QuorumResult {
	return EvaluateQuorumBitSet(p.def, p.bs)
}

// AsSparse returns the proof's signatures in transmissible form,
// sorted by key ID so the output is deterministic.
func (p SignatureProof) AsSparse() []SparseSignature {
	out := make([]SparseSignature, 0, len(p.sigs))
	for idx, sig := range p.sigs {
		keyID := [2]byte{}
		binary.BigEndian.PutUint16(keyID[:], uint16(idx))

		out = append(out, SparseSignature{
			KeyID: keyID[:],
			Sig:   bytes.Clone(sig),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].KeyID, out[j].KeyID) < 0
	})

	return out
}

// MergeSparse verifies and merges incoming sparse signatures.
// Invalid entries are reported through the result, never admitted;
// valid entries are admitted even when other entries are invalid.
func (p SignatureProof) MergeSparse(sigs []SparseSignature) MergeResult {
	res := MergeResult{
		// Assume valid until an entry fails.
		AllValidSignatures: true,
	}

	countBefore := p.bs.Count()

	for _, ss := range sigs {
		if len(ss.KeyID) != 2 {
			res.AllValidSignatures = false
			continue
		}

		idx := int(binary.BigEndian.Uint16(ss.KeyID))
		if idx >= len(p.def.Participants) {
			res.AllValidSignatures = false
			continue
		}

		addr, err := ccrypto.RecoverAddress(p.digest, ss.Sig)
		if err != nil || addr != p.def.Participants[idx].Addr {
			res.AllValidSignatures = false
			continue
		}

		p.sigs[idx] = bytes.Clone(ss.Sig)
		p.bs.Set(uint(idx))
	}

	res.IncreasedSignatures = p.bs.Count() > countBefore
	return res
}

// Clone returns an independent copy of the proof,
// for handing a read-only view to another goroutine
// without sharing the underlying maps.
func (p SignatureProof) Clone() SignatureProof {
	return SignatureProof{
		digest: p.digest,
		def:    p.def,
		sigs:   maps.Clone(p.sigs),
		bs:     p.bs.Clone(),
	}
}

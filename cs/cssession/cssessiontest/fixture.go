package cssessiontest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/channel-engine/chorus/ccrypto"
	"github.com/channel-engine/chorus/ccrypto/ccryptotest"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/ethereum/go-ethereum/common"
)

// Fixture bundles a session definition with the private signers
// for each participant, for tests that need to produce
// real signatures over transition targets.
type Fixture struct {
	Signers []ccrypto.Secp256k1Signer

	Def cssession.Definition
}

// NewFixture returns a fixture with one deterministic signer per weight,
// participant order matching the weights slice.
func NewFixture(weights []uint64, quorumThreshold uint64) *Fixture {
	signers := ccryptotest.DeterministicSecp256k1Signers(len(weights))

	parts := make([]cssession.Participant, len(weights))
	for i, w := range weights {
		parts[i] = cssession.Participant{
			Addr:   signers[i].Address(),
			Weight: w,
		}
	}

	return &Fixture{
		Signers: signers,
		Def: cssession.Definition{
			Participants:    parts,
			QuorumThreshold: quorumThreshold,
			Nonce:           1,
			AppID:           "chorus-test",
			Protocol:        "test.v1",
		},
	}
}

// Addr returns the address of the participant at index i.
func (f *Fixture) Addr(i int) common.Address {
	return f.Signers[i].Address()
}

// SparseSignature signs the target with participant i's key
// and returns the signature in sparse form.
func (f *Fixture) SparseSignature(ctx context.Context, i int, target cssession.TransitionTarget) (cssession.SparseSignature, error) {
	sig, err := f.Signers[i].Sign(ctx, target.SignDigest())
	if err != nil {
		return cssession.SparseSignature{}, fmt.Errorf("fixture signer %d: %w", i, err)
	}

	keyID := [2]byte{}
	binary.BigEndian.PutUint16(keyID[:], uint16(i))

	return cssession.SparseSignature{KeyID: keyID[:], Sig: sig}, nil
}

// ProofWithSigners returns a proof over target
// already holding valid signatures from the given participant indices.
// It panics on signing failure; fixture keys cannot fail to sign.
func (f *Fixture) ProofWithSigners(ctx context.Context, target cssession.TransitionTarget, idxs ...int) cssession.SignatureProof {
	proof := cssession.NewSignatureProof(target.SignDigest(), f.Def)

	for _, i := range idxs {
		sig, err := f.Signers[i].Sign(ctx, target.SignDigest())
		if err != nil {
			panic(fmt.Errorf("fixture signer %d failed to sign: %w", i, err))
		}
		if err := proof.AddSignature(sig); err != nil {
			panic(fmt.Errorf("fixture signature %d rejected: %w", i, err))
		}
	}

	return proof
}

package ccrypto

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Signer produces protocol signatures on behalf of a single participant.
//
// The rest of the system treats the signing mechanism as opaque:
// a signer has an address-like identity,
// and it can sign a 32-byte digest that any other party
// can later attribute back to that identity.
type Signer interface {
	// Address is the participant identity associated with this signer.
	Address() common.Address

	// Sign signs the given digest.
	// The returned signature must be verifiable with [RecoverAddress].
	Sign(ctx context.Context, digest [32]byte) ([]byte, error)
}

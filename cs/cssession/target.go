package cssession

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// TransitionTarget identifies exactly one proposed transition of one session.
// Every participant signing the same candidate signs the same target,
// so the sign bytes must be a deterministic function of its fields.
type TransitionTarget struct {
	SessionID string
	Version   uint64

	// Kind discriminates operate/deposit/withdraw/close.
	// The numeric values are defined by the ledger package.
	Kind uint8

	// VectorDigest commits to the full proposed allocation vector.
	VectorDigest [32]byte

	// Actor, Asset and Amount are only set for transitions
	// that change the session total (deposit, withdraw).
	// For other kinds they are the zero values.
	Actor  common.Address
	Asset  string
	Amount *big.Int
}

// SignBytes is the canonical byte encoding of the target.
// It is versioned so that a future encoding change
// cannot collide with signatures over the current one.
func (t TransitionTarget) SignBytes() []byte {
	amount := "0"
	if t.Amount != nil {
		amount = t.Amount.String()
	}

	return fmt.Appendf(nil,
		"chorus/transition/v1\nsession:%s\nversion:%d\nkind:%d\nvector:%x\nactor:%x\nasset:%s\namount:%s\n",
		t.SessionID, t.Version, t.Kind, t.VectorDigest, t.Actor, t.Asset, amount,
	)
}

// SignDigest is the Keccak-256 digest of the sign bytes,
// the value participants actually sign.
func (t TransitionTarget) SignDigest() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(t.SignBytes())

	var out [32]byte
	h.Sum(out[:0])
	return out
}

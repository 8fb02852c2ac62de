package ccrypto

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature indicates a signature that did not verify
// against the expected signer identity.
var ErrInvalidSignature = errors.New("invalid signature")

// Secp256k1Signer signs with a plain in-memory secp256k1 key,
// producing 65-byte recoverable signatures.
type Secp256k1Signer struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func NewSecp256k1Signer(priv *ecdsa.PrivateKey) Secp256k1Signer {
	return Secp256k1Signer{
		priv: priv,
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}
}

// NewSecp256k1SignerFromSecret deterministically derives a signer
// from arbitrary secret material.
// The secret is hashed into a scalar;
// in the rare case the hash falls outside the curve order,
// the hash is fed back in until a usable key is produced.
func NewSecp256k1SignerFromSecret(secret []byte) (Secp256k1Signer, error) {
	seed := crypto.Keccak256(secret)
	for i := 0; i < 128; i++ {
		priv, err := crypto.ToECDSA(seed)
		if err == nil {
			return NewSecp256k1Signer(priv), nil
		}
		seed = crypto.Keccak256(seed)
	}

	// 128 consecutive out-of-range hashes is not going to happen
	// with an honest Keccak-256.
	return Secp256k1Signer{}, fmt.Errorf("failed to derive usable secp256k1 key from secret")
}

func (s Secp256k1Signer) Address() common.Address {
	return s.addr
}

func (s Secp256k1Signer) Sign(_ context.Context, digest [32]byte) ([]byte, error) {
	return crypto.Sign(digest[:], s.priv)
}

// RecoverAddress returns the participant identity that produced sig over digest.
// A malformed signature returns a wrapped [ErrInvalidSignature].
func RecoverAddress(digest [32]byte, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig over digest
// was produced by the signer with the given address.
func VerifySignature(addr common.Address, digest [32]byte, sig []byte) bool {
	got, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return got == addr
}

package ccryptotest

import (
	"fmt"
	"sync"

	"github.com/channel-engine/chorus/ccrypto"
)

var mu sync.Mutex
var generated []ccrypto.Secp256k1Signer

// DeterministicSecp256k1Signers returns a deterministic set of n signers.
//
// Deterministic keys keep addresses stable across test runs,
// which keeps log output stable and simplifies debugging.
// Generated signers are cached process-wide,
// so repeated calls cost nothing beyond the first.
func DeterministicSecp256k1Signers(n int) []ccrypto.Secp256k1Signer {
	mu.Lock()
	defer mu.Unlock()

	for i := len(generated); i < n; i++ {
		s, err := ccrypto.NewSecp256k1SignerFromSecret(
			fmt.Appendf(nil, "chorus:deterministic:signer:%d", i),
		)
		if err != nil {
			panic(fmt.Errorf("failed to derive deterministic signer %d: %w", i, err))
		}
		generated = append(generated, s)
	}

	return generated[:n:n]
}

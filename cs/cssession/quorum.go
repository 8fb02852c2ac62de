package cssession

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/ethereum/go-ethereum/common"
)

// QuorumResult is the outcome of evaluating a signer set
// against a session definition.
type QuorumResult struct {
	Approved bool

	// AchievedWeight is the summed weight of the distinct signers.
	AchievedWeight uint64

	// RequiredWeight is the minimum achieved weight that approves,
	// i.e. the smallest w with w*100 >= QuorumThreshold*TotalWeight.
	RequiredWeight uint64

	TotalWeight uint64
}

// EvaluateQuorum decides whether the given signer identities
// carry enough weight to approve a transition under the definition.
//
// Duplicate identities in signers are counted once.
// Any identity not in the definition fails with a wrapped
// [ErrUnknownParticipant] rather than being ignored.
//
// The comparison is done on scaled integers,
// achievedWeight*100 >= threshold*totalWeight,
// so thresholds that do not divide the total weight evenly
// never involve floating point.
// This function is a pure decision:
// every participant and the settlement backend must compute
// the identical result for the same inputs.
func EvaluateQuorum(d Definition, signers []common.Address) (QuorumResult, error) {
	bs := bitset.New(uint(len(d.Participants)))
	for _, addr := range signers {
		i, ok := d.Index(addr)
		if !ok {
			return QuorumResult{}, fmt.Errorf("quorum signer %s: %w", addr, ErrUnknownParticipant)
		}
		bs.Set(uint(i))
	}

	return EvaluateQuorumBitSet(d, bs), nil
}

// EvaluateQuorumBitSet is like [EvaluateQuorum] for a signer set
// already expressed as participant indices in the definition order.
// Bits beyond the participant count are ignored.
func EvaluateQuorumBitSet(d Definition, signers *bitset.BitSet) QuorumResult {
	res := QuorumResult{
		TotalWeight: d.TotalWeight(),
	}

	for i, p := range d.Participants {
		if signers.Test(uint(i)) {
			res.AchievedWeight += p.Weight
		}
	}

	// Ceiling division keeps RequiredWeight consistent
	// with the scaled comparison below.
	res.RequiredWeight = (d.QuorumThreshold*res.TotalWeight + 99) / 100

	res.Approved = res.AchievedWeight*100 >= d.QuorumThreshold*res.TotalWeight
	return res
}

package csledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Allocation is one participant's balance of one asset,
// in the asset's minor unit.
type Allocation struct {
	Participant common.Address `json:"participant"`
	Asset       string         `json:"asset"`
	Amount      *big.Int       `json:"amount"`
}

// AllocationVector is the full per-participant, per-asset balance snapshot
// of a session at one version.
// A well-formed vector has at most one entry per (participant, asset) pair.
type AllocationVector []Allocation

// Clone returns a deep copy, including the amounts.
func (v AllocationVector) Clone() AllocationVector {
	out := make(AllocationVector, len(v))
	for i, a := range v {
		out[i] = Allocation{
			Participant: a.Participant,
			Asset:       a.Asset,
		}
		if a.Amount != nil {
			out[i].Amount = new(big.Int).Set(a.Amount)
		}
	}
	return out
}

// Amount returns the participant's balance of the asset.
// A missing entry is zero.
func (v AllocationVector) Amount(p common.Address, asset string) *big.Int {
	for _, a := range v {
		if a.Participant == p && a.Asset == asset {
			if a.Amount == nil {
				return new(big.Int)
			}
			return new(big.Int).Set(a.Amount)
		}
	}
	return new(big.Int)
}

// Totals sums the vector per asset.
func (v AllocationVector) Totals() map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, a := range v {
		t, ok := out[a.Asset]
		if !ok {
			t = new(big.Int)
			out[a.Asset] = t
		}
		if a.Amount != nil {
			t.Add(t, a.Amount)
		}
	}
	return out
}

// Assets returns the sorted set of assets appearing in the vector.
func (v AllocationVector) Assets() []string {
	seen := make(map[string]struct{}, len(v))
	var out []string
	for _, a := range v {
		if _, ok := seen[a.Asset]; ok {
			continue
		}
		seen[a.Asset] = struct{}{}
		out = append(out, a.Asset)
	}
	sort.Strings(out)
	return out
}

// Digest commits to the vector's content regardless of entry order.
// Entries are canonicalized by (asset, participant) before hashing,
// so every participant computes the identical digest
// for semantically identical vectors.
func (v AllocationVector) Digest() [32]byte {
	entries := make([]Allocation, len(v))
	copy(entries, v)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Asset != entries[j].Asset {
			return entries[i].Asset < entries[j].Asset
		}
		return entries[i].Participant.Cmp(entries[j].Participant) < 0
	})

	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "chorus/vector/v1\n")
	for _, a := range entries {
		amount := "0"
		if a.Amount != nil {
			amount = a.Amount.String()
		}
		fmt.Fprintf(h, "%s|%x|%s\n", a.Asset, a.Participant, amount)
	}

	var out [32]byte
	h.Sum(out[:0])
	return out
}

package csledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrConservation indicates a proposed vector
	// whose per-asset total differs from the current vector's
	// in a way the transition kind does not authorize.
	ErrConservation = errors.New("allocation totals not conserved")

	// ErrNegativeAllocation indicates a proposed amount below zero.
	// Negative amounts are rejected, never clamped.
	ErrNegativeAllocation = errors.New("negative allocation")

	// ErrInsufficientAllocation indicates a withdrawal
	// exceeding the withdrawing participant's balance.
	ErrInsufficientAllocation = errors.New("insufficient allocation")

	// ErrMalformedVector indicates a vector with duplicate
	// (participant, asset) entries or missing amounts.
	ErrMalformedVector = errors.New("malformed allocation vector")
)

// TransitionKind discriminates how a proposed vector
// is allowed to differ from the current one.
type TransitionKind uint8

const (
	_ TransitionKind = iota // Zero value invalid.

	// KindOperate redistributes existing funds; totals must not change.
	KindOperate

	// KindDeposit increases one asset's total by exactly the deposited
	// amount, credited to the depositing participant.
	KindDeposit

	// KindWithdraw decreases one asset's total by exactly the withdrawn
	// amount, debited from the withdrawing participant.
	KindWithdraw

	// KindClose proposes the session's final vector.
	// Like operate, it must conserve totals.
	KindClose
)

func (k TransitionKind) String() string {
	switch k {
	case KindOperate:
		return "operate"
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("TransitionKind(%d)", uint8(k))
	}
}

// Transition is a proposed change from a session's current vector.
// Actor, Asset and Amount are required for deposit and withdraw
// and must be zero otherwise.
type Transition struct {
	Kind     TransitionKind
	Proposed AllocationVector

	Actor  common.Address
	Asset  string
	Amount *big.Int
}

// Propose validates a proposed vector against the current one
// under the rules of the transition kind,
// returning the vector that would become the next ledger state.
//
// This is pure validation: it decides acceptability only,
// and it is exactly the check every participant must run locally
// before signing a candidate, and the settlement backend must re-run
// before accepting one.
func Propose(def cssession.Definition, current AllocationVector, t Transition) (AllocationVector, error) {
	if err := checkWellFormed(def, t.Proposed); err != nil {
		return nil, err
	}

	curTotals := current.Totals()
	newTotals := t.Proposed.Totals()

	switch t.Kind {
	case KindOperate, KindClose:
		if t.Amount != nil || t.Asset != "" || t.Actor != (common.Address{}) {
			return nil, fmt.Errorf("%s transition must not carry deposit details", t.Kind)
		}
		if err := checkConserved(curTotals, newTotals); err != nil {
			return nil, err
		}

	case KindDeposit:
		if err := checkFundsFlow(def, t); err != nil {
			return nil, err
		}

		want := new(big.Int).Add(totalOf(curTotals, t.Asset), t.Amount)
		if want.Cmp(totalOf(newTotals, t.Asset)) != 0 {
			return nil, fmt.Errorf(
				"deposit of %s %s changes total from %s to %s, expected %s: %w",
				t.Amount, t.Asset, totalOf(curTotals, t.Asset), totalOf(newTotals, t.Asset), want,
				ErrConservation,
			)
		}

		wantActor := new(big.Int).Add(current.Amount(t.Actor, t.Asset), t.Amount)
		if wantActor.Cmp(t.Proposed.Amount(t.Actor, t.Asset)) != 0 {
			return nil, fmt.Errorf(
				"deposit must be credited to depositor %s: %w", t.Actor, ErrConservation,
			)
		}

		if err := checkOthersConserved(curTotals, newTotals, t.Asset); err != nil {
			return nil, err
		}

	case KindWithdraw:
		if err := checkFundsFlow(def, t); err != nil {
			return nil, err
		}

		have := current.Amount(t.Actor, t.Asset)
		if have.Cmp(t.Amount) < 0 {
			return nil, fmt.Errorf(
				"withdraw %s %s exceeds %s's balance %s: %w",
				t.Amount, t.Asset, t.Actor, have, ErrInsufficientAllocation,
			)
		}

		want := new(big.Int).Sub(totalOf(curTotals, t.Asset), t.Amount)
		if want.Cmp(totalOf(newTotals, t.Asset)) != 0 {
			return nil, fmt.Errorf(
				"withdraw of %s %s changes total from %s to %s, expected %s: %w",
				t.Amount, t.Asset, totalOf(curTotals, t.Asset), totalOf(newTotals, t.Asset), want,
				ErrConservation,
			)
		}

		wantActor := new(big.Int).Sub(have, t.Amount)
		if wantActor.Cmp(t.Proposed.Amount(t.Actor, t.Asset)) != 0 {
			return nil, fmt.Errorf(
				"withdraw must be debited from %s: %w", t.Actor, ErrConservation,
			)
		}

		if err := checkOthersConserved(curTotals, newTotals, t.Asset); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("invalid transition kind %d", t.Kind)
	}

	return t.Proposed.Clone(), nil
}

func checkWellFormed(def cssession.Definition, v AllocationVector) error {
	type key struct {
		p common.Address
		a string
	}
	seen := make(map[key]struct{}, len(v))

	for _, a := range v {
		if !def.Contains(a.Participant) {
			return fmt.Errorf("allocation for %s: %w", a.Participant, cssession.ErrUnknownParticipant)
		}

		if a.Amount == nil {
			return fmt.Errorf("allocation for %s %s has no amount: %w", a.Participant, a.Asset, ErrMalformedVector)
		}
		if a.Amount.Sign() < 0 {
			return fmt.Errorf("allocation of %s %s for %s: %w", a.Amount, a.Asset, a.Participant, ErrNegativeAllocation)
		}

		k := key{p: a.Participant, a: a.Asset}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate allocation for %s %s: %w", a.Participant, a.Asset, ErrMalformedVector)
		}
		seen[k] = struct{}{}
	}

	return nil
}

func checkFundsFlow(def cssession.Definition, t Transition) error {
	if !def.Contains(t.Actor) {
		return fmt.Errorf("%s actor %s: %w", t.Kind, t.Actor, cssession.ErrUnknownParticipant)
	}
	if t.Asset == "" {
		return fmt.Errorf("%s requires an asset", t.Kind)
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%s requires a positive amount", t.Kind)
	}
	return nil
}

// checkConserved requires identical per-asset totals
// across the union of assets in both total maps.
func checkConserved(cur, next map[string]*big.Int) error {
	for asset := range cur {
		if totalOf(cur, asset).Cmp(totalOf(next, asset)) != 0 {
			return conservationErr(asset, cur, next)
		}
	}
	for asset := range next {
		if totalOf(cur, asset).Cmp(totalOf(next, asset)) != 0 {
			return conservationErr(asset, cur, next)
		}
	}
	return nil
}

// checkOthersConserved requires conservation for every asset except skip.
func checkOthersConserved(cur, next map[string]*big.Int, skip string) error {
	for asset := range cur {
		if asset == skip {
			continue
		}
		if totalOf(cur, asset).Cmp(totalOf(next, asset)) != 0 {
			return conservationErr(asset, cur, next)
		}
	}
	for asset := range next {
		if asset == skip {
			continue
		}
		if totalOf(cur, asset).Cmp(totalOf(next, asset)) != 0 {
			return conservationErr(asset, cur, next)
		}
	}
	return nil
}

func conservationErr(asset string, cur, next map[string]*big.Int) error {
	return fmt.Errorf(
		"asset %s total changed from %s to %s: %w",
		asset, totalOf(cur, asset), totalOf(next, asset), ErrConservation,
	)
}

func totalOf(totals map[string]*big.Int, asset string) *big.Int {
	if t, ok := totals[asset]; ok {
		return t
	}
	return new(big.Int)
}

package cssession

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownParticipant indicates an identity
// that is not part of a session definition's participant list.
//
// Callers assembling signer sets must treat this as a hard failure,
// not something to silently skip:
// an unknown identity in a signer set
// usually means the wrong list was assembled upstream.
var ErrUnknownParticipant = errors.New("unknown participant")

// Participant is a single weighted identity within a session.
// The weight unit is percentage-like but weights are not required
// to sum to exactly 100;
// quorum is always evaluated relative to the definition's total weight.
type Participant struct {
	Addr   common.Address
	Weight uint64
}

// Definition is the immutable description of an application session,
// fixed at session creation.
// Participants cannot be added or removed over the session's lifetime;
// changing membership means creating a new session.
type Definition struct {
	// Ordered list of participants with unique addresses.
	// The order is significant: participant indices are used
	// as key IDs in sparse signatures.
	Participants []Participant

	// QuorumThreshold is an integer percentage, 0-100,
	// of the total participant weight.
	QuorumThreshold uint64

	// ChallengeWindow is the dispute period after a close proposal
	// reaches quorum. Zero means close finalizes immediately.
	ChallengeWindow time.Duration

	// Nonce distinguishes otherwise identical sessions,
	// preventing replay of signed transitions across sessions.
	Nonce uint64

	// AppID identifies the application this session belongs to.
	AppID string

	// Protocol is an opaque tag chosen by the application.
	Protocol string
}

// Validate reports whether the definition is internally consistent.
// An invalid definition must never be used to create a session.
func (d Definition) Validate() error {
	if len(d.Participants) == 0 {
		return errors.New("definition requires at least one participant")
	}

	if d.QuorumThreshold > 100 {
		return fmt.Errorf("quorum threshold %d exceeds 100 percent", d.QuorumThreshold)
	}

	seen := make(map[common.Address]struct{}, len(d.Participants))
	var total uint64
	for i, p := range d.Participants {
		if _, ok := seen[p.Addr]; ok {
			return fmt.Errorf("duplicate participant %s at index %d", p.Addr, i)
		}
		seen[p.Addr] = struct{}{}
		total += p.Weight
	}

	if total == 0 {
		// With zero total weight the scaled quorum comparison
		// degenerates to always-approved, which is never intended.
		return errors.New("total participant weight must be positive")
	}

	return nil
}

// WeightOf returns the voting weight of the given participant,
// or a wrapped [ErrUnknownParticipant] if the address
// is not in the participant list.
func (d Definition) WeightOf(addr common.Address) (uint64, error) {
	for _, p := range d.Participants {
		if p.Addr == addr {
			return p.Weight, nil
		}
	}

	return 0, fmt.Errorf("weight of %s: %w", addr, ErrUnknownParticipant)
}

// TotalWeight is the sum of all participant weights.
func (d Definition) TotalWeight() uint64 {
	var total uint64
	for _, p := range d.Participants {
		total += p.Weight
	}
	return total
}

// Index returns the position of addr in the participant list.
func (d Definition) Index(addr common.Address) (int, bool) {
	for i, p := range d.Participants {
		if p.Addr == addr {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether addr is one of the session's participants.
func (d Definition) Contains(addr common.Address) bool {
	_, ok := d.Index(addr)
	return ok
}

package csledger

import (
	"github.com/channel-engine/chorus/cs/cssession"
)

// Target returns the sign target for this transition
// applied to the given session at the given version.
// Identical transitions at identical versions produce identical targets,
// which is what lets independently-running participants
// sign the same digest.
func (t Transition) Target(sessionID string, version uint64) cssession.TransitionTarget {
	return cssession.TransitionTarget{
		SessionID:    sessionID,
		Version:      version,
		Kind:         uint8(t.Kind),
		VectorDigest: t.Proposed.Digest(),
		Actor:        t.Actor,
		Asset:        t.Asset,
		Amount:       t.Amount,
	}
}

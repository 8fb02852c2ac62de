package csledger

import (
	"github.com/channel-engine/chorus/cs/cssession"
)

// ValidateVector checks that a vector is well-formed on its own:
// every participant belongs to the definition,
// every amount is present and non-negative,
// and no (participant, asset) pair appears twice.
// This is the check applied to a session's initial vector,
// where there is no prior vector to conserve against.
func ValidateVector(def cssession.Definition, v AllocationVector) error {
	return checkWellFormed(def, v)
}

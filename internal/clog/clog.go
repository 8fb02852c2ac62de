// Package clog contains helpers for values destined for slog output.
package clog

import (
	"encoding/hex"
	"fmt"
)

type hexed []byte

// Hex wraps a byte slice so that slog renders it as lowercase hex
// instead of a quoted string of mostly unprintable bytes.
func Hex(b []byte) fmt.Stringer {
	return hexed(b)
}

func (h hexed) String() string {
	return hex.EncodeToString(h)
}

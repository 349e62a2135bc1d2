// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// Equal compares two values in constant time. Both sides are reduced to
// fixed-length BLAKE3 digests first, so neither the content nor the length of
// the expected value leaks through timing.
func Equal(provided, expected []byte) bool {
	a := blake3.Sum256(provided)
	b := blake3.Sum256(expected)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// EqualString is Equal for string inputs.
func EqualString(provided, expected string) bool {
	return Equal([]byte(provided), []byte(expected))
}

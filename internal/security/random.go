// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphanumeric is the alphabet used for identifiers and access passwords.
const Alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns n characters drawn uniformly from alphabet using the
// system CSPRNG.
func RandomString(n int, alphabet string) (string, error) {
	if n <= 0 {
		return "", nil
	}
	if alphabet == "" {
		return "", fmt.Errorf("empty alphabet")
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

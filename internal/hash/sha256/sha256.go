// Package sha256 digests page bodies for content-addressed snapshot keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct {
	// Length truncates digests when positive.
	Length int
}

// New returns a Hasher that truncates digests to length hex characters;
// zero keeps the full digest.
func New(length int) *Hasher {
	return &Hasher{Length: length}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h != nil && h.Length > 0 && h.Length < len(digest) {
		return digest[:h.Length]
	}
	return digest
}

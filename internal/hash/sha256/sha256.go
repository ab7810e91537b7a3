// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
)

// Hasher implements fetch.Hasher using SHA-256.
type Hasher struct{}

var _ fetch.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. It never fails.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Prefix returns the first n hex characters of the digest of s. n is
// clamped to the digest length.
func (h *Hasher) Prefix(s string, n int) string {
	digest, _ := h.Hash([]byte(s))
	if n < 0 || n > len(digest) {
		n = len(digest)
	}
	return digest[:n]
}

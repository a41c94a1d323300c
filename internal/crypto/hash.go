package crypto

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashLen is the byte length of all content hashes.
const HashLen = 32

// ContentHash returns the SHA3-256 digest of data.
func ContentHash(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

// Hasher computes a SHA3-256 digest incrementally. Writing the parts of a
// preimage one by one produces the same digest as hashing their
// concatenation.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher ready for writes.
func NewHasher() *Hasher {
	return &Hasher{h: sha3.New256()}
}

// Write absorbs data into the digest.
func (h *Hasher) Write(data []byte) {
	h.h.Write(data)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() []byte {
	return h.h.Sum(nil)
}

package anchor

import (
	"bytes"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Sibling positions in an inclusion proof path, ordered leaf to root.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// ProofStep is one (sibling hash, position) pair of an inclusion proof. The
// position names where the sibling sits relative to the path node. Sibling
// hashes travel hex-encoded so two conforming implementations produce
// byte-identical proofs.
type ProofStep struct {
	SiblingHash string `json:"sibling_hash"`
	Position    string `json:"position"`
}

// InclusionProof carries everything a third party needs, together with the
// anchor root, to check that a record hash was in an anchored batch.
type InclusionProof struct {
	AnchorID   string      `json:"anchor_id"`
	RecordID   string      `json:"record_id"`
	LeafIndex  int         `json:"leaf_index"`
	RecordHash string      `json:"record_hash"`
	Steps      []ProofStep `json:"steps"`
}

// emptyLeaf pads batches whose size is not a power of two.
func emptyLeaf() []byte {
	h := blake3.Sum256(nil)
	return h[:]
}

// interiorHash combines two child hashes into their parent: BLAKE3-256 over
// left || right.
func interiorHash(left, right []byte) []byte {
	h := blake3.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// padLeaves extends leaves to the next power of two with the empty-leaf hash.
func padLeaves(leaves [][]byte) [][]byte {
	n := 1
	for n < len(leaves) {
		n *= 2
	}
	padded := make([][]byte, n)
	copy(padded, leaves)
	for i := len(leaves); i < n; i++ {
		padded[i] = emptyLeaf()
	}
	return padded
}

// merkleRoot folds the padded leaves bottom-up into the root.
func merkleRoot(leaves [][]byte) []byte {
	level := padLeaves(leaves)
	for len(level) > 1 {
		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = interiorHash(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

// merklePath returns the sibling steps from leaf index up to the root.
func merklePath(leaves [][]byte, index int) []ProofStep {
	level := padLeaves(leaves)
	var steps []ProofStep
	for len(level) > 1 {
		sibling := index ^ 1
		position := PositionRight
		if sibling < index {
			position = PositionLeft
		}
		steps = append(steps, ProofStep{
			SiblingHash: hex.EncodeToString(level[sibling]),
			Position:    position,
		})

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = interiorHash(level[i], level[i+1])
		}
		level = next
		index /= 2
	}
	return steps
}

// VerifyInclusion recomputes the root from a record hash and its proof steps
// and compares it to the anchor root. It is a pure function over its inputs:
// a verifier holding only the published root and the record's content hash
// needs no access to the ledger, the anchor store, or any capsule data.
func VerifyInclusion(root, recordHash []byte, proof *InclusionProof) bool {
	if proof == nil {
		return false
	}
	current := recordHash
	for _, step := range proof.Steps {
		sibling, err := hex.DecodeString(step.SiblingHash)
		if err != nil {
			return false
		}
		switch step.Position {
		case PositionLeft:
			current = interiorHash(sibling, current)
		case PositionRight:
			current = interiorHash(current, sibling)
		default:
			return false
		}
	}
	return bytes.Equal(current, root)
}

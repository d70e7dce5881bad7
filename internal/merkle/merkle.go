// Package merkle implements the append-only SHA-256 evidence log.
//
// Leaves are domain-separated with a 0x00 prefix over the canonical JSON of
// the evidence item. Interior nodes are domain-separated with 0x01 and hash
// the ASCII-hex representations of their children, not the raw digest bytes.
// External proof verifiers depend on the hex-concatenation rule; it must not
// be optimised to raw bytes.
//
// The log is reconstructable: seeding a fresh log with the leaf hashes
// persisted in the store (ordered by merkle_index) yields the same root as
// the log that produced them.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/example/meridian/internal/canonical"
)

// ErrIndexOutOfRange is returned by Proof for an index outside [0, Count).
var ErrIndexOutOfRange = errors.New("merkle: proof index out of range")

const (
	leafPrefix     = 0x00
	interiorPrefix = 0x01
)

// ProofStep is one sibling entry of an inclusion proof. Position records
// which side the sibling sits on: "right" when the proven node is a left
// child, "left" otherwise.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	LeafHash    string      `json:"leaf_hash"`
	Index       int         `json:"index"`
	ProofHashes []ProofStep `json:"proof_hashes"`
	RootHash    string      `json:"root_hash"`
}

// Log is the append-only Merkle log. Single writer; not safe for concurrent
// use.
type Log struct {
	leaves []string
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// HashLeaf returns the hex SHA-256 leaf hash of item:
// SHA256(0x00 ∥ canonical_json(item)).
func HashLeaf(item any) (string, error) {
	b, err := canonical.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("merkle: %w", err)
	}
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashPair combines two child hashes: SHA256(0x01 ∥ left_hex ∥ right_hex).
func hashPair(left, right string) string {
	h := sha256.New()
	h.Write([]byte{interiorPrefix})
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// LoadLeaves seeds the log from persisted leaf hashes, replacing any current
// contents. Hashes must be ordered by merkle_index ascending.
func (l *Log) LoadLeaves(leafHashes []string) {
	l.leaves = append([]string(nil), leafHashes...)
}

// Append hashes item as a new leaf, appends it, and returns the leaf hash
// with its zero-based index.
func (l *Log) Append(item any) (string, int, error) {
	leaf, err := HashLeaf(item)
	if err != nil {
		return "", 0, err
	}
	l.leaves = append(l.leaves, leaf)
	return leaf, len(l.leaves) - 1, nil
}

// AppendLeafHash appends a pre-computed leaf hash without rehashing. Startup
// reconstruction seeds the whole persisted list through LoadLeaves instead.
func (l *Log) AppendLeafHash(leafHash string) {
	l.leaves = append(l.leaves, leafHash)
}

// DropLast removes the most recently appended leaf. The cycle driver uses
// this to keep indices dense when the evidence row fails to persist after an
// in-memory append.
func (l *Log) DropLast() {
	if len(l.leaves) > 0 {
		l.leaves = l.leaves[:len(l.leaves)-1]
	}
}

// Count returns the number of leaves.
func (l *Log) Count() int {
	return len(l.leaves)
}

// Root returns the current root hash, or "" for an empty log.
func (l *Log) Root() string {
	if len(l.leaves) == 0 {
		return ""
	}
	levels := buildLevels(l.leaves)
	return levels[len(levels)-1][0]
}

// RootOrNil returns the root as a pointer, nil when the log is empty. This
// is the form embedded in evidence summaries, where an empty log is null
// rather than an empty string.
func (l *Log) RootOrNil() *string {
	if len(l.leaves) == 0 {
		return nil
	}
	root := l.Root()
	return &root
}

// buildLevels builds the full tree bottom-up. levels[0] is the leaves,
// levels[len-1] the single root. Odd-length levels duplicate their last
// element before pairing.
func buildLevels(leaves []string) [][]string {
	levels := [][]string{append([]string(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		current := levels[len(levels)-1]
		if len(current)%2 != 0 {
			current = append(append([]string(nil), current...), current[len(current)-1])
		}
		parents := make([]string, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			parents = append(parents, hashPair(current[i], current[i+1]))
		}
		levels = append(levels, parents)
	}
	return levels
}

// Proof generates an inclusion proof for the leaf at index.
func (l *Log) Proof(index int) (Proof, error) {
	if index < 0 || index >= len(l.leaves) {
		return Proof{}, fmt.Errorf("%w: index %d, count %d", ErrIndexOutOfRange, index, len(l.leaves))
	}

	levels := buildLevels(l.leaves)
	steps := make([]ProofStep, 0, len(levels)-1)
	idx := index

	for _, level := range levels[:len(levels)-1] {
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string(nil), padded...), padded[len(padded)-1])
		}
		var step ProofStep
		if idx%2 == 0 {
			step = ProofStep{Hash: padded[idx+1], Position: "right"}
		} else {
			step = ProofStep{Hash: padded[idx-1], Position: "left"}
		}
		steps = append(steps, step)
		idx /= 2
	}

	return Proof{
		LeafHash:    l.leaves[index],
		Index:       index,
		ProofHashes: steps,
		RootHash:    levels[len(levels)-1][0],
	}, nil
}

// VerifyProof checks an inclusion proof: the leaf hash combined with each
// sibling in order must reproduce rootHash.
func VerifyProof(leafHash string, steps []ProofStep, rootHash string) bool {
	current := leafHash
	for _, step := range steps {
		if step.Position == "right" {
			current = hashPair(current, step.Hash)
		} else {
			current = hashPair(step.Hash, current)
		}
	}
	return current == rootHash
}

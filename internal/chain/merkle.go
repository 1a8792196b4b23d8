package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrLeafNotFound = errors.New("leaf not found")

// MerkleRoot folds the ordered record hashes into a binary tree, duplicating
// the last node on odd levels. An empty chain has an empty root; a single
// record's root is its own hash.
func MerkleRoot(hashes []string, d Digester) (string, error) {
	if len(hashes) == 0 {
		return "", nil
	}
	level, err := decodeLeaves(hashes)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level, d)
	}
	return hex.EncodeToString(level[0]), nil
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof shows that Leaf at Index is included under Root.
type Proof struct {
	Leaf  string      `json:"leaf"`
	Index int         `json:"index"`
	Root  string      `json:"root"`
	Steps []ProofStep `json:"steps"`
}

// InclusionProof builds the sibling path for leaf within hashes.
func InclusionProof(hashes []string, leaf string, d Digester) (Proof, error) {
	index := -1
	for i, h := range hashes {
		if h == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return Proof{}, fmt.Errorf("%w: %s", ErrLeafNotFound, leaf)
	}
	level, err := decodeLeaves(hashes)
	if err != nil {
		return Proof{}, err
	}

	proof := Proof{Leaf: leaf, Index: index}
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		proof.Steps = append(proof.Steps, ProofStep{
			Hash: hex.EncodeToString(level[sibling]),
			Left: sibling < pos,
		})
		level = nextLevel(level, d)
		pos /= 2
	}
	proof.Root = hex.EncodeToString(level[0])
	return proof, nil
}

// VerifyProof recomputes the root from p and compares it with p.Root.
func VerifyProof(p Proof, d Digester) (bool, error) {
	current, err := hex.DecodeString(p.Leaf)
	if err != nil {
		return false, fmt.Errorf("decode leaf: %w", err)
	}
	for _, step := range p.Steps {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false, fmt.Errorf("decode proof step: %w", err)
		}
		if step.Left {
			current = d.Sum(concat(sibling, current))
		} else {
			current = d.Sum(concat(current, sibling))
		}
	}
	return hex.EncodeToString(current) == p.Root, nil
}

func decodeLeaves(hashes []string) ([][]byte, error) {
	level := make([][]byte, len(hashes))
	for i, h := range hashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decode hash %d: %w", i, err)
		}
		level[i] = b
	}
	return level, nil
}

func nextLevel(level [][]byte, d Digester) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, d.Sum(concat(left, right)))
	}
	return next
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

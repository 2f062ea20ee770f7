// Package leafcache serves the leaf-cache reconstruction aid named in
// spec.md §1 ("a cache of Merkle-tree leaves so that client dApps can
// reconstruct zero-knowledge proofs without re-scanning chains") and in
// §6's upward interface (get_leaves, get_last_deposit_block).
//
// Grounded on pkg/merkle/tree.go's BuildTree/GenerateProof path
// construction, adapted from []byte leaves to this codebase's [32]byte
// commitments and from an Accumulate-specific caller to a resource_id
// addressed one backed by pkg/store. This is data-plane bookkeeping (a
// sibling-hash path), not a zero-knowledge proof; it supplies a dApp's
// own prover with the witness data it would otherwise have to
// reconstruct by re-scanning a chain.
package leafcache

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
	"github.com/w3f-grants-archive/relayer/pkg/store"
)

// Position names which side of a combine a sibling hash sits on.
type Position int

const (
	Left Position = iota
	Right
)

// ProofNode is one step of an inclusion proof's path from leaf to root.
type ProofNode struct {
	Hash     [32]byte
	Position Position
}

// InclusionProof is the witness data for one cached leaf.
type InclusionProof struct {
	LeafIndex int
	LeafHash  [32]byte
	Root      [32]byte
	Path      []ProofNode
	TreeSize  int
}

var (
	ErrEmptyTree  = errors.New("leafcache: cannot build a proof from zero cached leaves")
	ErrOutOfRange = errors.New("leafcache: leaf index out of range")
)

// Tree is an in-memory Merkle tree built from one resource_id's cached
// commitments, levels[0] being the leaves themselves.
type Tree struct {
	levels [][][32]byte
}

// Build constructs a Tree from an ordered leaf list (e.g. store.ReadLeaves's
// output), duplicating the last node of an odd-length level per the
// teacher's standard Merkle convention.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	current := make([][32]byte, len(leaves))
	copy(current, leaves)
	levels := [][][32]byte{current}

	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				next = append(next, hashPair(current[i], current[i]))
			}
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{levels: levels}, nil
}

func hashPair(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// GenerateProof builds the inclusion proof for the leaf at leafIndex.
func (t *Tree) GenerateProof(leafIndex int) (*InclusionProof, error) {
	leaves := t.levels[0]
	if leafIndex < 0 || leafIndex >= len(leaves) {
		return nil, fmt.Errorf("%w: index %d, tree has %d leaves", ErrOutOfRange, leafIndex, len(leaves))
	}

	proof := &InclusionProof{
		LeafIndex: leafIndex,
		LeafHash:  leaves[leafIndex],
		Root:      t.Root(),
		TreeSize:  len(leaves),
	}

	current := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]

		var siblingIndex int
		var position Position
		if current%2 == 0 {
			siblingIndex, position = current+1, Right
		} else {
			siblingIndex, position = current-1, Left
		}

		var sibling [32]byte
		if siblingIndex < len(nodes) {
			sibling = nodes[siblingIndex]
		} else {
			sibling, position = nodes[current], Right
		}

		proof.Path = append(proof.Path, ProofNode{Hash: sibling, Position: position})
		current /= 2
	}

	return proof, nil
}

// ProveLeaf is the leaf-cache's entry point: load a resource_id's cached
// leaves from the Store, build the tree, and return the inclusion proof
// for leafIndex. Callers needing only the ordered leaf list (the
// upward get_leaves interface of spec.md §6) should call
// store.Store.ReadLeaves directly instead.
func ProveLeaf(st *store.Store, resourceID resourceid.ID, leafIndex int) (*InclusionProof, error) {
	leaves, err := st.ReadLeaves(resourceID)
	if err != nil {
		return nil, fmt.Errorf("leafcache: read leaves for %s: %w", resourceID, err)
	}
	tree, err := Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("leafcache: build tree for %s: %w", resourceID, err)
	}
	return tree.GenerateProof(leafIndex)
}

// Verify recomputes the root implied by leafHash and proof, and reports
// whether it matches expectedRoot.
func Verify(leafHash [32]byte, proof *InclusionProof, expectedRoot [32]byte) bool {
	if proof == nil || len(proof.Path) == 0 {
		return leafHash == expectedRoot
	}

	current := leafHash
	for _, node := range proof.Path {
		if node.Position == Left {
			current = hashPair(node.Hash, current)
		} else {
			current = hashPair(current, node.Hash)
		}
	}
	return current == expectedRoot
}

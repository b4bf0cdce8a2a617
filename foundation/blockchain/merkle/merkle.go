// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.
// This code has been cleaned up, refactored, and turned into generics.

// Package merkle provides an implementation of a merkle tree over double
// sha256 hashes for validating the transactions of a block.
package merkle

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree.
type Hashable[T any] interface {
	Hash() (chainhash.Hash, error)
}

// =============================================================================

// Tree represents a merkle tree that uses data of some type T that exhibits the
// behavior defined by the Hashable constraint.
type Tree[T Hashable[T]] struct {
	Root       *Node[T]
	Leafs      []*Node[T]
	MerkleRoot chainhash.Hash
}

// NewTree constructs a new merkle tree that uses data of some type T that
// exhibits the behavior defined by the Hashable interface.
func NewTree[T Hashable[T]](values []T) (*Tree[T], error) {
	var t Tree[T]
	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate constructs the leafs and nodes of the tree from the specified
// data. If the tree has been generated previously, the tree is re-generated
// from scratch.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		return errors.New("cannot construct tree with no content")
	}

	leafs := make([]*Node[T], 0, len(values))
	for _, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return err
		}

		leafs = append(leafs, &Node[T]{
			Hash:  hash,
			Value: value,
		})
	}

	// A single value is its own root.
	root := leafs[0]
	if len(leafs) > 1 {
		root = buildIntermediate(leafs)
	}

	t.Root = root
	t.Leafs = leafs
	t.MerkleRoot = root.Hash

	return nil
}

// =============================================================================

// Node represents a node, root, or leaf in the tree.
type Node[T Hashable[T]] struct {
	Parent *Node[T]
	Left   *Node[T]
	Right  *Node[T]
	Hash   chainhash.Hash
	Value  T
}

// =============================================================================

// buildIntermediate constructs the levels above the specified nodes and
// returns the root. An odd node at any level is paired with itself.
func buildIntermediate[T Hashable[T]](nl []*Node[T]) *Node[T] {
	var nodes []*Node[T]

	for i := 0; i < len(nl); i += 2 {
		left, right := nl[i], nl[i]
		if i+1 < len(nl) {
			right = nl[i+1]
		}

		n := Node[T]{
			Left:  left,
			Right: right,
			Hash:  hashPair(left.Hash, right.Hash),
		}

		nodes = append(nodes, &n)
		left.Parent = &n
		right.Parent = &n
	}

	if len(nodes) == 1 {
		return nodes[0]
	}

	return buildIntermediate(nodes)
}

// hashPair returns the double sha256 of the concatenated hashes.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

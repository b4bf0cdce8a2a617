package index

import (
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FindForkPoint returns the nearest common ancestor of the two blocks. It
// walks the deeper chain up to the height of the other and then both chains
// together until they meet.
func (idx *Index) FindForkPoint(a, b chainhash.Hash) (Node, error) {
	na, exists := idx.nodes[a]
	if !exists {
		return Node{}, fmt.Errorf("fork point %s: %w", a, ErrUnknownBlock)
	}

	nb, exists := idx.nodes[b]
	if !exists {
		return Node{}, fmt.Errorf("fork point %s: %w", b, ErrUnknownBlock)
	}

	for na.Height > nb.Height {
		na = idx.parent(na)
	}
	for nb.Height > na.Height {
		nb = idx.parent(nb)
	}

	for na != nb {
		na, nb = idx.parent(na), idx.parent(nb)
		if na == nil || nb == nil {
			return Node{}, fmt.Errorf("blocks %s and %s share no ancestor: %w", a, b, ErrCorrupt)
		}
	}

	return *na, nil
}

// ReorgPath returns the blocks to disconnect, in head to fork order, and the
// blocks to connect, in fork to head order, to move the chain head from one
// block to another.
func (idx *Index) ReorgPath(from, to chainhash.Hash) (disconnect []Node, connect []Node, fork Node, err error) {
	fork, err = idx.FindForkPoint(from, to)
	if err != nil {
		return nil, nil, Node{}, err
	}

	for n := idx.nodes[from]; n.Hash != fork.Hash; n = idx.parent(n) {
		disconnect = append(disconnect, *n)
	}

	for n := idx.nodes[to]; n.Hash != fork.Hash; n = idx.parent(n) {
		connect = append(connect, *n)
	}

	// Reverse into fork to head order.
	for i, j := 0, len(connect)-1; i < j; i, j = i+1, j-1 {
		connect[i], connect[j] = connect[j], connect[i]
	}

	return disconnect, connect, fork, nil
}

// BestCandidate returns the fully validated node with the greatest cumulative
// work. With includeHeaders set, header only nodes are considered as well for
// headers first synchronization. Ties go to the node seen first.
func (idx *Index) BestCandidate(includeHeaders bool) (Node, bool) {
	return idx.BestCandidateFunc(func(n Node) bool {
		switch n.Status {
		case database.StatusFullyValidated:
			return true
		case database.StatusHeaderValid:
			return includeHeaders
		}
		return false
	})
}

// BestCandidateFunc returns the node with the greatest cumulative work among
// the nodes accepted by the filter. Ties go to the node seen first.
func (idx *Index) BestCandidateFunc(accept func(n Node) bool) (Node, bool) {
	var best *Node
	for _, n := range idx.nodes {
		if !accept(*n) {
			continue
		}
		if best == nil || n.better(best) {
			best = n
		}
	}

	if best == nil {
		return Node{}, false
	}
	return *best, true
}

// Connectable reports if the block could be connected: every block between
// it and its nearest fully validated ancestor has its payload stored and
// none is invalid.
func (idx *Index) Connectable(hash chainhash.Hash) bool {
	for n := idx.nodes[hash]; n != nil; n = idx.parent(n) {
		switch {
		case n.Status == database.StatusFullyValidated:
			return true
		case n.Status == database.StatusInvalid || !n.HasData():
			return false
		}
	}
	return false
}

// Better reports if block a should be preferred over block b as the chain
// head.
func (idx *Index) Better(a, b chainhash.Hash) bool {
	na, nb := idx.nodes[a], idx.nodes[b]
	if na == nil || nb == nil {
		return false
	}
	return na.better(nb)
}

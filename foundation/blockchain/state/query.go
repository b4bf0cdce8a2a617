package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrNotFound is returned when a queried block or entry does not exist.
var ErrNotFound = errors.New("not found")

// Status is a summary of the chain state.
type Status struct {
	Best       index.Node
	BestHeader index.Node
	Version    uint64
	Blocks     int
	Orphans    int
	Frozen     error
	ReadOnly   bool
}

// =============================================================================

// Genesis returns a copy of the chain parameters.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// BestBlock returns the head of the best chain.
func (s *State) BestBlock() index.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.best
}

// Frozen returns the cause that froze the store or nil.
func (s *State) Frozen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.frozen
}

// Status returns a summary of the chain state.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bestHeader, exists := s.index.BestCandidate(true)
	if !exists {
		bestHeader = s.best
	}

	return Status{
		Best:       s.best,
		Version:    s.version,
		Blocks:     s.index.Len(),
		Orphans:    s.orphans.len(),
		BestHeader: bestHeader,
		Frozen:     s.frozen,
		ReadOnly:   s.readOnly,
	}
}

// HaveBlock reports if the block is known to the index or held as an orphan.
func (s *State) HaveBlock(hash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n, exists := s.index.Lookup(hash); exists && n.HasData() {
		return true
	}
	return s.orphans.exists(hash)
}

// BlockByHash returns the block and its index node.
func (s *State) BlockByHash(hash chainhash.Hash) (database.Block, index.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.index.Lookup(hash)
	if !exists || !n.HasData() {
		return database.Block{}, index.Node{}, fmt.Errorf("block %s: %w", hash, ErrNotFound)
	}

	block, err := s.readBlock(n)
	if err != nil {
		return database.Block{}, index.Node{}, err
	}

	return block, n, nil
}

// BlockByHeight returns the best chain block at the height.
func (s *State) BlockByHeight(height uint64) (database.Block, index.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.index.AncestorAt(s.best.Hash, height)
	if !exists {
		return database.Block{}, index.Node{}, fmt.Errorf("height %d: %w", height, ErrNotFound)
	}

	block, err := s.readBlock(n)
	if err != nil {
		return database.Block{}, index.Node{}, err
	}

	return block, n, nil
}

// UTXO returns the unspent entry for the outpoint.
func (s *State) UTXO(op database.OutPoint) (database.UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := s.ledger.Entry(op)
	if errors.Is(err, database.ErrNotFound) {
		return database.UTXO{}, fmt.Errorf("outpoint %s: %w", op, ErrNotFound)
	}
	return u, err
}

// UTXOsByOwner returns the unspent entries owned by the address ordered by
// height.
func (s *State) UTXOsByOwner(address string) ([]database.UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []database.UTXO
	err := s.ledger.ForEachEntry(func(u database.UTXO) error {
		if strings.EqualFold(u.Owner, address) {
			list = append(list, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Height != list[j].Height {
			return list[i].Height < list[j].Height
		}
		return list[i].OutPoint.String() < list[j].OutPoint.String()
	})

	return list, nil
}

// Locator returns best chain hashes from the head back to genesis, densely
// at first and then exponentially spaced.
func (s *State) Locator() []chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var locator []chainhash.Hash

	height := s.best.Height
	step := uint64(1)
	for {
		n, _ := s.index.AncestorAt(s.best.Hash, height)
		locator = append(locator, n.Hash)

		if height == 0 {
			break
		}

		if len(locator) >= 10 {
			step *= 2
		}

		if step > height {
			height = 0
			continue
		}
		height -= step
	}

	return locator
}

// BlocksAfter returns up to max blocks following the first locator hash that
// is an ancestor of stop, or of the best chain head when stop is unknown.
// Without a match the blocks start after genesis.
func (s *State) BlocksAfter(locator []chainhash.Hash, stop chainhash.Hash, max int) ([]database.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head := s.best
	if n, exists := s.index.Lookup(stop); exists && n.HasData() && n.Status != database.StatusInvalid {
		head = n
	}

	var from uint64
	for _, hash := range locator {
		n, exists := s.index.Lookup(hash)
		if !exists || n.Height > head.Height {
			continue
		}

		if anc, _ := s.index.AncestorAt(head.Hash, n.Height); anc.Hash == hash {
			from = n.Height
			break
		}
	}

	var blocks []database.Block
	for h := from + 1; h <= head.Height && len(blocks) < max; h++ {
		n, _ := s.index.AncestorAt(head.Hash, h)

		block, err := s.readBlock(n)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	return blocks, nil
}

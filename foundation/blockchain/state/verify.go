package state

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Report is the outcome of a consistency check of the stored chain state.
type Report struct {
	Best     chainhash.Hash
	Height   uint64
	Blocks   int
	Entries  int
	Problems []string
}

// OK reports if the check found no problem.
func (r Report) OK() bool {
	return len(r.Problems) == 0
}

// Verify checks that every best chain block has its payload and an undo
// record, and that every ledger entry was created by a transaction of the
// best chain block at its height. Problems are collected, not returned as
// errors, so one pass shows all of them.
func (s *State) Verify() (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.evHandler("state: Verify: started: best[%s]: height[%d]", s.best.Hash, s.best.Height)
	defer s.evHandler("state: Verify: completed")

	rep := Report{
		Best:   s.best.Hash,
		Height: s.best.Height,
	}

	problem := func(format string, args ...any) {
		rep.Problems = append(rep.Problems, fmt.Sprintf(format, args...))
	}

	// Transaction outputs by id for every best chain block.
	type txInfo struct {
		height  uint64
		outputs int
	}
	txs := make(map[chainhash.Hash]txInfo)

	for _, n := range s.index.Ancestors(s.best.Hash, int(s.best.Height)+1) {
		rep.Blocks++

		if n.Status != database.StatusFullyValidated {
			problem("block %s at height %d is %s", n.Hash, n.Height, n.Status)
		}

		block, err := s.readBlock(n)
		if err != nil {
			problem("block %s at height %d: payload: %s", n.Hash, n.Height, err)
			continue
		}

		if block.Hash() != n.Hash {
			problem("block %s at height %d: payload hash %s", n.Hash, n.Height, block.Hash())
		}

		if _, err := s.ledger.Undo(n.Hash); err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				return Report{}, fmt.Errorf("undo %s: %w", n.Hash, err)
			}
			problem("block %s at height %d: no undo record", n.Hash, n.Height)
		}

		for _, tx := range block.Txs {
			txs[tx.ID()] = txInfo{height: n.Height, outputs: len(tx.Outputs)}
		}
	}

	err := s.ledger.ForEachEntry(func(u database.UTXO) error {
		rep.Entries++

		info, exists := txs[u.OutPoint.TxID]
		switch {
		case !exists:
			problem("entry %s: created by no best chain transaction", u.OutPoint)
		case info.height != u.Height:
			problem("entry %s: height %d, created at %d", u.OutPoint, u.Height, info.height)
		case int(u.OutPoint.Index) >= info.outputs:
			problem("entry %s: transaction has %d outputs", u.OutPoint, info.outputs)
		}

		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("ledger entries: %w", err)
	}

	return rep, nil
}

package state

import (
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// SetBestChain moves the best chain to the connectable block with the most
// work, reorganizing as needed. When a reorganization fails validation the
// offending block is marked invalid and the next best candidate is tried.
func (s *State) SetBestChain() error {
	return s.change(func(u *update) error {
		if err := s.writable(); err != nil {
			return err
		}
		return s.setBestChain(u)
	})
}

// Reorganize makes the specified block the head of the best chain. The
// block must be in the index with its payload stored and must be preferred
// over the current best block, the best chain never moves to less work.
func (s *State) Reorganize(hash chainhash.Hash) error {
	return s.change(func(u *update) error {
		if err := s.writable(); err != nil {
			return err
		}

		target, exists := s.index.Lookup(hash)
		if !exists {
			return fmt.Errorf("reorganize to %s: %w", hash, index.ErrUnknownBlock)
		}

		if !s.index.Connectable(hash) {
			return fmt.Errorf("reorganize to %s: block or an ancestor is missing its payload or invalid", hash)
		}

		if !s.index.Better(hash, s.best.Hash) {
			return fmt.Errorf("reorganize to %s: best[%s]: %w", hash, s.best.Hash, ErrNotBetter)
		}

		return s.reorganize(u, target)
	})
}

// =============================================================================

// setBestChain keeps selecting the best candidate until the best chain is
// the best connectable chain. Only fatal errors are returned, validation
// failures are recorded in the update. Must be called with the lock held.
func (s *State) setBestChain(u *update) error {
	failed := make(map[chainhash.Hash]bool)

	candidate := func(n index.Node) bool {
		if failed[n.Hash] {
			return false
		}

		switch n.Status {
		case database.StatusFullyValidated:
			return true
		case database.StatusHeaderValid:
			return s.index.Connectable(n.Hash)
		}
		return false
	}

	for {
		target, exists := s.index.BestCandidateFunc(candidate)
		if !exists || !s.index.Better(target.Hash, s.best.Hash) {
			return nil
		}

		s.evHandler("state: setBestChain: candidate[%s]: height[%d]: work[%s]", target.Hash, target.Height, target.Work.Hex())

		err := s.reorganize(u, target)
		switch {
		case err == nil:
			return nil
		case IsFatal(err):
			return err
		case validator.IsValidationError(err):
			failed[target.Hash] = true
			continue
		default:
			return s.freeze(err)
		}
	}
}

// reorganize disconnects the best chain down to the fork point and connects
// the chain of the target. If a block fails to connect it is marked invalid,
// the ledger is rolled back to the old best chain and the validation error
// is returned. A failure that leaves the ledger in an unknown state freezes
// the store. The best chain pointer only moves once every block is
// connected. Must be called with the lock held.
func (s *State) reorganize(u *update, target index.Node) error {
	disconnect, connect, fork, err := s.index.ReorgPath(s.best.Hash, target.Hash)
	if err != nil {
		return s.freeze(err)
	}

	s.evHandler("state: reorganize: from[%s]: to[%s]: fork[%s]: disconnect[%d]: connect[%d]", s.best.Hash, target.Hash, fork.Hash, len(disconnect), len(connect))

	if len(disconnect) > 0 && len(connect) > 0 {
		if cp, exists := s.genesis.LastCheckpoint(s.best.Height); exists && fork.Height < cp {
			err := validator.NewValidationError(connect[0].Hash, validator.ErrForkBeforeCheckpoint, fmt.Sprintf("fork at %d, last checkpoint %d", fork.Height, cp))
			if connect[0].Status != database.StatusFullyValidated {
				if merr := s.markInvalid(connect[0].Hash); merr != nil {
					return s.freeze(merr)
				}
			}
			s.reject(u, err)
			return err
		}
	}

	var disconnected []disconnectedBlock
	for _, n := range disconnect {
		block, err := s.readBlock(n)
		if err != nil {
			return s.failReorg(nil, disconnected, err)
		}

		undo, err := s.ledger.Undo(n.Hash)
		if err != nil {
			return s.failReorg(nil, disconnected, fmt.Errorf("undo record %s: %w", n.Hash, err))
		}

		s.evHandler("state: reorganize: disconnect blk[%s]: height[%d]", n.Hash, n.Height)

		if err := s.validator.DisconnectBlock(block, undo, ledger.WithBest(n.Parent())); err != nil {
			return s.failReorg(nil, disconnected, err)
		}

		disconnected = append(disconnected, disconnectedBlock{node: n, block: block})
	}

	var connected []connectedBlock
	for _, n := range connect {
		block, err := s.readBlock(n)
		if err != nil {
			return s.failReorg(connected, disconnected, err)
		}

		s.evHandler("state: reorganize: connect blk[%s]: height[%d]", n.Hash, n.Height)

		rec := n.Record()
		rec.Status = database.StatusFullyValidated

		undo, err := s.validator.ConnectBlock(block, n.Height, ledger.WithBest(n.Hash), ledger.WithNodes(rec))
		if err != nil {
			if !validator.IsValidationError(err) {
				return s.failReorg(connected, disconnected, err)
			}

			s.reject(u, err)

			if merr := s.markInvalid(n.Hash); merr != nil {
				return s.failReorg(connected, disconnected, merr)
			}

			if rerr := s.rollback(connected, disconnected); rerr != nil {
				return s.freeze(rerr)
			}

			return err
		}

		if _, err := s.index.SetStatus(n.Hash, database.StatusFullyValidated); err != nil {
			return s.failReorg(connected, disconnected, err)
		}

		connected = append(connected, connectedBlock{node: n, block: block, undo: undo})
	}

	best, _ := s.index.Lookup(target.Hash)
	s.best = best
	s.version++

	for _, d := range disconnected {
		u.events = append(u.events, notify.Disconnect{Block: d.block, Height: d.node.Height})
	}
	for _, c := range connected {
		u.events = append(u.events, notify.Commit{Block: c.block, Height: c.node.Height})
	}

	if len(disconnected) > 0 {
		s.metrics.reorgs.Inc()
		s.metrics.reorgDepth.Observe(float64(len(disconnected)))
	}
	s.updateBestMetrics()

	s.evHandler("state: reorganize: best[%s]: height[%d]: work[%s]", best.Hash, best.Height, best.Work.Hex())

	return nil
}

type disconnectedBlock struct {
	node  index.Node
	block database.Block
}

type connectedBlock struct {
	node  index.Node
	block database.Block
	undo  database.UndoData
}

// failReorg handles an error that is not a rule violation. The ledger is
// rolled back when possible but the store is frozen either way.
func (s *State) failReorg(connected []connectedBlock, disconnected []disconnectedBlock, cause error) error {
	if err := s.rollback(connected, disconnected); err != nil {
		return s.freeze(fmt.Errorf("%w: %w", cause, err))
	}
	return s.freeze(cause)
}

// rollback restores the ledger to the old best chain by disconnecting what
// was connected and reconnecting what was disconnected, both in reverse.
func (s *State) rollback(connected []connectedBlock, disconnected []disconnectedBlock) error {
	s.evHandler("state: rollback: disconnect[%d]: reconnect[%d]", len(connected), len(disconnected))

	for i := len(connected) - 1; i >= 0; i-- {
		c := connected[i]
		if err := s.validator.DisconnectBlock(c.block, c.undo, ledger.WithBest(c.node.Parent())); err != nil {
			return fmt.Errorf("%w: disconnect %s: %w", ErrRollbackFailed, c.node.Hash, err)
		}
	}

	for i := len(disconnected) - 1; i >= 0; i-- {
		d := disconnected[i]
		if _, err := s.validator.ConnectBlock(d.block, d.node.Height, ledger.WithBest(d.node.Hash)); err != nil {
			return fmt.Errorf("%w: reconnect %s: %w", ErrRollbackFailed, d.node.Hash, err)
		}
	}

	return nil
}

package state

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// update collects what happened to the chain state during one call so the
// notifications can be published once the lock is released.
type update struct {
	events   []any
	rejected map[chainhash.Hash]error
}

func newUpdate() *update {
	return &update{
		rejected: make(map[chainhash.Hash]error),
	}
}

// =============================================================================

// EmitBlock is the single entry point for new blocks, from the network and
// from local mining alike. A block that fails a consensus rule returns a
// *validator.ValidationError. A block whose parent is unknown is held as an
// orphan, an AskForBlocks notification is published and nil is returned.
// Once the store is frozen every call fails with ErrFrozen.
func (s *State) EmitBlock(block database.Block) error {
	hash := block.Hash()

	s.evHandler("state: EmitBlock: started: blk[%s]: prevBlk[%s]: txs[%d]", hash, block.Header.PrevBlock, len(block.Txs))
	defer s.evHandler("state: EmitBlock: completed: blk[%s]", hash)

	return s.change(func(u *update) error {
		return s.emitBlock(u, block)
	})
}

// emitBlock must be called with the lock held.
func (s *State) emitBlock(u *update, block database.Block) error {
	defer s.metrics.orphans.Set(float64(s.orphans.len()))

	if err := s.writable(); err != nil {
		return err
	}

	hash := block.Hash()

	if n, exists := s.index.Lookup(hash); exists && (n.HasData() || n.Status == database.StatusInvalid) {
		return fmt.Errorf("block %s is %s: %w", hash, n.Status, ErrDuplicateBlock)
	}

	if s.orphans.exists(hash) {
		return fmt.Errorf("block %s is an orphan: %w", hash, ErrDuplicateBlock)
	}

	if err := s.validator.CheckBlockStructure(block); err != nil {
		s.reject(u, err)
		return err
	}

	if _, exists := s.index.Lookup(block.Header.PrevBlock); !exists {
		s.orphans.add(block, s.clock.Now())

		ask := notify.AskForBlocks{
			Target:     s.orphans.root(hash).Header.PrevBlock,
			Originator: hash,
		}
		u.events = append(u.events, ask)

		s.evHandler("state: EmitBlock: blk[%s]: orphan: ask for blocks: %s", hash, ask)
		return nil
	}

	if err := s.processBlock(u, block); err != nil {
		return err
	}

	return s.processOrphans(u, hash)
}

// processBlock accepts the block into the index and moves the best chain if
// the block makes a better one. The parent must be in the index.
func (s *State) processBlock(u *update, block database.Block) error {
	hash := block.Hash()

	if err := s.acceptBlock(block); err != nil {
		if validator.IsValidationError(err) {
			s.reject(u, err)
		}
		return err
	}

	if err := s.setBestChain(u); err != nil {
		return err
	}

	if err, rejected := u.rejected[hash]; rejected {
		return err
	}

	if n, _ := s.index.Lookup(hash); n.Status == database.StatusInvalid {
		err := validator.NewValidationError(hash, validator.ErrInvalidAncestor, "an ancestor failed to connect")
		s.reject(u, err)
		return err
	}

	return nil
}

// acceptBlock performs the contextual header checks and stores the block
// payload against its index node.
func (s *State) acceptBlock(block database.Block) error {
	hash := block.Hash()
	header := block.Header

	parent, _ := s.index.Lookup(header.PrevBlock)
	height := parent.Height + 1

	s.evHandler("state: acceptBlock: blk[%s]: height[%d]", hash, height)

	if err := s.checkAncestry(header, parent); err != nil {
		return err
	}

	s.evHandler("state: acceptBlock: blk[%s]: write payload", hash)

	pos, err := s.blocks.Write(block)
	if err != nil {
		return fmt.Errorf("write block %s: %w", hash, err)
	}

	if _, err := s.index.Insert(header); err != nil {
		return err
	}

	node, err := s.index.SetData(hash, pos)
	if err != nil {
		return err
	}

	if err := s.ledger.Write(ledger.Batch{Nodes: []database.NodeRecord{node.Record()}}); err != nil {
		return fmt.Errorf("persist block %s: %w", hash, err)
	}

	s.metrics.accepted.Inc()

	return nil
}

// checkAncestry applies the rules that depend on where the header attaches.
// A header that breaks one of them is remembered as invalid when that can
// never change.
func (s *State) checkAncestry(header database.BlockHeader, parent index.Node) error {
	hash := header.Hash()
	height := parent.Height + 1

	if parent.Status == database.StatusInvalid {
		if err := s.insertInvalid(header); err != nil {
			return err
		}
		return validator.NewValidationError(hash, validator.ErrInvalidAncestor, fmt.Sprintf("parent %s is invalid", parent.Hash))
	}

	if cp, exists := s.genesis.LastCheckpoint(s.best.Height); exists && height <= cp {
		return validator.NewValidationError(hash, validator.ErrForkBeforeCheckpoint, fmt.Sprintf("height %d, last checkpoint %d", height, cp))
	}

	if err := s.validator.CheckHeaderContext(header, height, s.prevTimes(parent.Hash)); err != nil {
		if ierr := s.insertInvalid(header); ierr != nil {
			return ierr
		}
		return err
	}

	return nil
}

// insertInvalid records the header as invalid along with any descendant.
func (s *State) insertInvalid(header database.BlockHeader) error {
	if _, err := s.index.Insert(header); err != nil {
		return err
	}
	return s.markInvalid(header.Hash())
}

// markInvalid marks the node and its descendants invalid and persists the
// change.
func (s *State) markInvalid(hash chainhash.Hash) error {
	changed, err := s.index.MarkInvalid(hash)
	if err != nil {
		return err
	}

	recs := make([]database.NodeRecord, len(changed))
	for i, n := range changed {
		recs[i] = n.Record()
	}

	if err := s.ledger.Write(ledger.Batch{Nodes: recs}); err != nil {
		return fmt.Errorf("persist invalid block %s: %w", hash, err)
	}

	return nil
}

// processOrphans processes the orphans that were waiting on the block and,
// breadth first, the orphans waiting on them.
func (s *State) processOrphans(u *update, hash chainhash.Hash) error {
	s.orphans.expire(s.clock.Now())

	queue := []chainhash.Hash{hash}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		for _, block := range s.orphans.take(parent) {
			s.evHandler("state: processOrphans: blk[%s]: parent[%s] arrived", block.Hash(), parent)

			err := s.processBlock(u, block)
			switch {
			case err == nil:
			case IsFatal(err):
				return err
			default:
				s.evHandler("state: processOrphans: blk[%s]: ERROR: %s", block.Hash(), err)
			}

			// Descendants of an invalid orphan still need to learn they are invalid.
			if _, exists := s.index.Lookup(block.Hash()); exists {
				queue = append(queue, block.Hash())
			}
		}
	}

	return nil
}

// reject records the validation failure for the notification and metrics.
func (s *State) reject(u *update, err error) {
	ve := validator.GetValidationError(err)
	if ve == nil {
		return
	}

	u.rejected[ve.Hash] = err
	u.events = append(u.events, notify.Reject{
		Hash: ve.Hash,
		Err:  ve.Err,
		Code: ve.Code,
		DoS:  ve.DoS,
	})
	s.metrics.rejected.WithLabelValues(ve.Code.String()).Inc()

	s.evHandler("state: reject: blk[%s]: %s", ve.Hash, err)
}

// =============================================================================

// AcceptHeader adds a header without its payload for headers first
// synchronization. The node counts toward BestHeader but not toward the best
// chain until EmitBlock supplies the payload.
func (s *State) AcceptHeader(header database.BlockHeader) error {
	return s.change(func(u *update) error {
		return s.acceptHeader(u, header)
	})
}

// acceptHeader must be called with the lock held.
func (s *State) acceptHeader(u *update, header database.BlockHeader) error {

	if err := s.writable(); err != nil {
		return err
	}

	hash := header.Hash()

	s.evHandler("state: AcceptHeader: blk[%s]: prevBlk[%s]", hash, header.PrevBlock)

	if _, exists := s.index.Lookup(hash); exists {
		return nil
	}

	if err := s.validator.CheckHeader(header); err != nil {
		s.reject(u, err)
		return err
	}

	parent, exists := s.index.Lookup(header.PrevBlock)
	if !exists {
		u.events = append(u.events, notify.AskForBlocks{Target: header.PrevBlock, Originator: hash})
		return fmt.Errorf("header %s: %w", hash, index.ErrOrphanHeader)
	}

	if err := s.checkAncestry(header, parent); err != nil {
		s.reject(u, err)
		return err
	}

	node, err := s.index.Insert(header)
	if err != nil {
		return err
	}

	if err := s.ledger.Write(ledger.Batch{Nodes: []database.NodeRecord{node.Record()}}); err != nil {
		return fmt.Errorf("persist header %s: %w", hash, err)
	}

	return nil
}

// BestHeader returns the header with the most work known to the index,
// whether or not its payload has arrived.
func (s *State) BestHeader() index.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.index.BestCandidate(true)
	if !exists {
		return s.best
	}
	return n
}

// IsDuplicate reports if the error is because the block was already known.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateBlock)
}

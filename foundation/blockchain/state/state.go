// Package state is the chain store. It is the single entry point for new
// blocks and owns the chain state: the block index, the best chain pointer
// and the ledger. Every mutation happens under one lock and notifications
// are published only after the lock is released.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Set of error variables for the chain store.
var (
	ErrFrozen         = errors.New("chain store frozen")
	ErrRollbackFailed = errors.New("reorganization rollback failed")
	ErrDuplicateBlock = errors.New("block already known")
	ErrNotBetter      = errors.New("block does not carry more work than the best chain")
	ErrEmptyStore     = errors.New("store holds no block index")
	ErrWrongGenesis   = errors.New("stored genesis does not match the genesis parameters")
)

// IsFatal reports if the error means the stored chain state can no longer
// be trusted.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrFrozen),
		errors.Is(err, ErrRollbackFailed),
		errors.Is(err, validator.ErrUndoDataMismatch),
		errors.Is(err, ledger.ErrCorrupt),
		errors.Is(err, index.ErrCorrupt):
		return true
	}
	return false
}

// EventHandler defines a function that is called when events
// occur in the processing of blocks.
type EventHandler func(v string, args ...any)

// Defaults for the orphan pool.
const (
	DefaultMaxOrphans = 100
	DefaultOrphanTTL  = time.Hour
)

// =============================================================================

// Config represents the configuration required to start the chain store.
type Config struct {
	Genesis     genesis.Genesis
	Ledger      ledger.Storage
	Blocks      database.BlockStorage
	Bus         *notify.Bus
	TxValidator validator.TxValidator
	Clock       clock.Clock
	MaxOrphans  int
	OrphanTTL   time.Duration
	ReadOnly    bool
	Registerer  prometheus.Registerer
	EvHandler   EventHandler
}

// State manages the chain state.
type State struct {
	genesis   genesis.Genesis
	ledger    ledger.Storage
	blocks    database.BlockStorage
	bus       *notify.Bus
	validator *validator.Validator
	clock     clock.Clock
	metrics   *metrics
	evHandler EventHandler

	// pubMu orders the hand off of events to the bus. It is taken before mu
	// is released.
	pubMu sync.Mutex

	mu       sync.RWMutex
	index    *index.Index
	best     index.Node
	version  uint64
	orphans  *orphanPool
	frozen   error
	readOnly bool
}

// New constructs the chain store and loads the block index from the ledger
// store. An empty store is initialized with the genesis block unless the
// store is opened read only.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	maxOrphans := cfg.MaxOrphans
	if maxOrphans <= 0 {
		maxOrphans = DefaultMaxOrphans
	}

	orphanTTL := cfg.OrphanTTL
	if orphanTTL <= 0 {
		orphanTTL = DefaultOrphanTTL
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	v := validator.New(validator.Config{
		Genesis:     cfg.Genesis,
		Ledger:      cfg.Ledger,
		TxValidator: cfg.TxValidator,
		Clock:       clk,
		EvHandler:   ev,
	})

	s := State{
		genesis:   cfg.Genesis,
		ledger:    cfg.Ledger,
		blocks:    cfg.Blocks,
		bus:       cfg.Bus,
		validator: v,
		clock:     clk,
		metrics:   m,
		evHandler: ev,
		orphans:   newOrphanPool(maxOrphans, orphanTTL),
	}

	if err := s.LoadBlockIndex(cfg.ReadOnly); err != nil {
		return nil, err
	}

	return &s, nil
}

// Shutdown closes the stores. The bus belongs to the caller.
func (s *State) Shutdown() error {
	s.evHandler("state: Shutdown: started")
	defer s.evHandler("state: Shutdown: completed")

	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(s.blocks.Close(), s.ledger.Close())
}

// LoadBlockIndex rebuilds the block index from the records in the ledger
// store. The best chain is the one the ledger was last written for. An
// empty store gets the genesis block unless readOnly is set, in which case
// no write of any kind is made.
func (s *State) LoadBlockIndex(readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evHandler("state: LoadBlockIndex: started: readOnly[%v]", readOnly)
	defer s.evHandler("state: LoadBlockIndex: completed")

	var recs []database.NodeRecord
	err := s.ledger.ForEachNode(func(rec database.NodeRecord) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load block index: %w", err)
	}

	idx := index.New()
	genBlock := s.genesis.Block()

	if len(recs) == 0 {
		if readOnly {
			return ErrEmptyStore
		}

		best, err := s.initGenesis(idx, genBlock)
		if err != nil {
			return err
		}

		s.index, s.best, s.readOnly = idx, best, readOnly
		s.version++
		s.updateBestMetrics()
		return nil
	}

	if err := idx.Restore(recs); err != nil {
		return fmt.Errorf("load block index: %w", err)
	}

	gen, err := idx.Genesis()
	if err != nil {
		return fmt.Errorf("load block index: %w", err)
	}

	if gen.Hash != genBlock.Hash() {
		return fmt.Errorf("stored %s, configured %s: %w", gen.Hash, genBlock.Hash(), ErrWrongGenesis)
	}

	bestHash, err := s.ledger.Best()
	if err != nil {
		return fmt.Errorf("load best chain: %w", err)
	}

	best, exists := idx.Lookup(bestHash)
	if !exists {
		return fmt.Errorf("best chain %s not in block index: %w", bestHash, ledger.ErrCorrupt)
	}

	// The ledger holds the state of the best chain so every block on it has
	// been connected.
	var changed []database.NodeRecord
	for _, n := range idx.Ancestors(best.Hash, int(best.Height)+1) {
		if n.Status == database.StatusFullyValidated {
			continue
		}

		if !n.HasData() {
			return fmt.Errorf("best chain block %s has no payload: %w", n.Hash, ledger.ErrCorrupt)
		}

		updated, err := idx.SetStatus(n.Hash, database.StatusFullyValidated)
		if err != nil {
			return fmt.Errorf("best chain block %s: %w", n.Hash, ledger.ErrCorrupt)
		}
		changed = append(changed, updated.Record())
	}

	if len(changed) > 0 && !readOnly {
		if err := s.ledger.Write(ledger.Batch{Nodes: changed}); err != nil {
			return fmt.Errorf("persist best chain status: %w", err)
		}
	}

	s.index, s.best, s.readOnly = idx, best, readOnly
	s.version++
	s.updateBestMetrics()

	s.evHandler("state: LoadBlockIndex: blocks[%d]: best[%s]: height[%d]", idx.Len(), best.Hash, best.Height)

	return nil
}

// initGenesis stores and connects the genesis block.
func (s *State) initGenesis(idx *index.Index, block database.Block) (index.Node, error) {
	s.evHandler("state: LoadBlockIndex: empty store: connect genesis[%s]", block.Hash())

	pos, err := s.blocks.Write(block)
	if err != nil {
		return index.Node{}, fmt.Errorf("write genesis: %w", err)
	}

	if _, err := idx.InsertGenesis(block.Header); err != nil {
		return index.Node{}, err
	}

	if _, err := idx.SetData(block.Hash(), pos); err != nil {
		return index.Node{}, err
	}

	node, err := idx.SetStatus(block.Hash(), database.StatusFullyValidated)
	if err != nil {
		return index.Node{}, err
	}

	if _, err := s.validator.ConnectBlock(block, 0, ledger.WithBest(node.Hash), ledger.WithNodes(node.Record())); err != nil {
		return index.Node{}, fmt.Errorf("connect genesis: %w", err)
	}

	return node, nil
}

// =============================================================================

// freeze stops all further mutation of the chain state. Must be called with
// the lock held.
func (s *State) freeze(cause error) error {
	if s.frozen == nil {
		s.frozen = cause
		s.metrics.frozen.Set(1)
		s.evHandler("state: freeze: FATAL: %s", cause)
	}
	return fmt.Errorf("%w: %w", ErrFrozen, s.frozen)
}

// writable reports why the chain state can't be changed. Must be called
// with the lock held.
func (s *State) writable() error {
	switch {
	case s.frozen != nil:
		return fmt.Errorf("%w: %w", ErrFrozen, s.frozen)
	case s.readOnly:
		return ledger.ErrReadOnly
	}
	return nil
}

// readBlock loads the payload of the node from block storage.
func (s *State) readBlock(n index.Node) (database.Block, error) {
	if !n.HasData() {
		return database.Block{}, fmt.Errorf("block %s has no payload: %w", n.Hash, ledger.ErrCorrupt)
	}

	block, err := s.blocks.Read(n.Pos)
	if err != nil {
		return database.Block{}, fmt.Errorf("read block %s: %w", n.Hash, err)
	}

	if block.Hash() != n.Hash {
		return database.Block{}, fmt.Errorf("block at %+v is %s, expected %s: %w", n.Pos, block.Hash(), n.Hash, ledger.ErrCorrupt)
	}

	return block, nil
}

// change runs fn with the lock held and then publishes the events fn
// recorded. Events reach the bus in the order the changes were made.
func (s *State) change(fn func(u *update) error) error {
	u := newUpdate()

	err := func() error {
		s.mu.Lock()
		defer func() {
			s.pubMu.Lock()
			s.mu.Unlock()
		}()
		return fn(u)
	}()

	defer s.pubMu.Unlock()
	s.publish(u.events)

	return err
}

// publish hands the events to the bus. Must be called without the lock.
func (s *State) publish(events []any) {
	if s.bus == nil || len(events) == 0 {
		return
	}

	if err := s.bus.Publish(events...); err != nil {
		s.evHandler("state: publish: events[%d]: ERROR: %s", len(events), err)
	}
}

// prevTimes returns the timestamps used for the median time past of a block
// built on the parent.
func (s *State) prevTimes(parent chainhash.Hash) []int64 {
	nodes := s.index.Ancestors(parent, s.genesis.MedianTimeBlocks)

	times := make([]int64, len(nodes))
	for i, n := range nodes {
		times[i] = n.Header.Timestamp
	}
	return times
}

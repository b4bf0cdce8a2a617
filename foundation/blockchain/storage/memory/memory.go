// Package memory implements the ledger store and block payload storage in
// memory using maps and a slice.
package memory

import (
	"fmt"
	"sync"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Memory represents the storage implementation for the ledger and the block
// payloads held in memory. This implements the ledger.Storage and the
// database.BlockStorage interfaces.
type Memory struct {
	mu      sync.RWMutex
	entries map[database.OutPoint]database.UTXO
	undo    map[chainhash.Hash]database.UndoData
	nodes   map[chainhash.Hash]database.NodeRecord
	best    *chainhash.Hash
	blocks  []database.Block
}

// New constructs an Memory value for use.
func New() *Memory {
	return &Memory{
		entries: make(map[database.OutPoint]database.UTXO),
		undo:    make(map[chainhash.Hash]database.UndoData),
		nodes:   make(map[chainhash.Hash]database.NodeRecord),
	}
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// =============================================================================
// These methods implement the ledger.Storage interface.

// Entry returns the unspent output for the outpoint.
func (m *Memory) Entry(op database.OutPoint) (database.UTXO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	utxo, exists := m.entries[op]
	if !exists {
		return database.UTXO{}, ledger.ErrNotFound
	}

	return utxo, nil
}

// Undo returns the undo record of a connected block.
func (m *Memory) Undo(hash chainhash.Hash) (database.UndoData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	undo, exists := m.undo[hash]
	if !exists {
		return database.UndoData{}, ledger.ErrNotFound
	}

	return undo, nil
}

// Best returns the hash of the best chain head.
func (m *Memory) Best() (chainhash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.best == nil {
		return chainhash.Hash{}, ledger.ErrNotFound
	}

	return *m.best, nil
}

// ForEachNode calls fn for every persisted block index record.
func (m *Memory) ForEachNode(fn func(rec database.NodeRecord) error) error {
	m.mu.RLock()
	recs := make([]database.NodeRecord, 0, len(m.nodes))
	for _, rec := range m.nodes {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// ForEachEntry calls fn for every unspent output.
func (m *Memory) ForEachEntry(fn func(utxo database.UTXO) error) error {
	m.mu.RLock()
	utxos := make([]database.UTXO, 0, len(m.entries))
	for _, utxo := range m.entries {
		utxos = append(utxos, utxo)
	}
	m.mu.RUnlock()

	for _, utxo := range utxos {
		if err := fn(utxo); err != nil {
			return err
		}
	}

	return nil
}

// Write applies the batch. Nothing is applied if a spent entry is missing or
// a created entry already exists.
func (m *Memory) Write(batch ledger.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spent := make(map[database.OutPoint]bool, len(batch.Spend))
	for _, op := range batch.Spend {
		if _, exists := m.entries[op]; !exists || spent[op] {
			return fmt.Errorf("spend %s: %w", op, ledger.ErrCorrupt)
		}
		spent[op] = true
	}

	for _, utxo := range batch.Create {
		if _, exists := m.entries[utxo.OutPoint]; exists && !spent[utxo.OutPoint] {
			return fmt.Errorf("create %s: %w", utxo.OutPoint, ledger.ErrCorrupt)
		}
	}

	for _, op := range batch.Spend {
		delete(m.entries, op)
	}

	for _, utxo := range batch.Create {
		m.entries[utxo.OutPoint] = utxo
	}

	for _, hash := range batch.DeleteUndo {
		delete(m.undo, hash)
	}

	for hash, undo := range batch.PutUndo {
		m.undo[hash] = undo
	}

	for _, rec := range batch.Nodes {
		m.nodes[rec.Hash] = rec
	}

	if batch.Best != nil {
		best := *batch.Best
		m.best = &best
	}

	return nil
}

// =============================================================================
// These methods implement the database.BlockStorage interface.

// writeBlock appends the payload. Block storage is exposed through Blocks
// since the ledger already owns the Write method.
func (m *Memory) writeBlock(block database.Block) (database.FilePos, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := database.FilePos{
		File:   0,
		Offset: uint32(len(m.blocks)),
		Size:   uint32(block.SerializeSize() + 1),
	}
	m.blocks = append(m.blocks, block)

	return pos, nil
}

func (m *Memory) readBlock(pos database.FilePos) (database.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pos.IsNull() || int(pos.Offset) >= len(m.blocks) {
		return database.Block{}, database.ErrNotFound
	}

	return m.blocks[pos.Offset], nil
}

// Blocks returns the block payload storage sharing this memory value.
func (m *Memory) Blocks() database.BlockStorage {
	return blockStorage{m: m}
}

// blockStorage adapts Memory to the database.BlockStorage interface.
type blockStorage struct {
	m *Memory
}

func (bs blockStorage) Write(block database.Block) (database.FilePos, error) {
	return bs.m.writeBlock(block)
}

func (bs blockStorage) Read(pos database.FilePos) (database.Block, error) {
	return bs.m.readBlock(pos)
}

func (bs blockStorage) Close() error {
	return nil
}

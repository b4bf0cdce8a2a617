// Package ledger defines the contract of the persistent ledger store: the
// set of unspent outputs, the undo records of connected blocks, the block
// index records and the best chain hash. The store holds no policy.
package ledger

import (
	"errors"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Set of error variables for the ledger store.
var (
	ErrNotFound = database.ErrNotFound
	ErrReadOnly = errors.New("ledger store opened read only")
	ErrCorrupt  = errors.New("ledger store corrupt")
)

// Storage interface represents the behavior required to be implemented by
// any package providing persistence for the ledger.
type Storage interface {
	Entry(op database.OutPoint) (database.UTXO, error)
	Undo(hash chainhash.Hash) (database.UndoData, error)
	Best() (chainhash.Hash, error)
	ForEachNode(fn func(rec database.NodeRecord) error) error
	ForEachEntry(fn func(utxo database.UTXO) error) error
	Write(batch Batch) error
	Close() error
}

// Batch is a set of mutations applied all or nothing. Spends are applied
// before creates so a batch may spend and recreate the same key.
type Batch struct {
	Spend      []database.OutPoint
	Create     []database.UTXO
	PutUndo    map[chainhash.Hash]database.UndoData
	DeleteUndo []chainhash.Hash
	Nodes      []database.NodeRecord
	Best       *chainhash.Hash
}

// IsEmpty reports if applying the batch would change nothing.
func (b Batch) IsEmpty() bool {
	return len(b.Spend) == 0 && len(b.Create) == 0 && len(b.PutUndo) == 0 &&
		len(b.DeleteUndo) == 0 && len(b.Nodes) == 0 && b.Best == nil
}

// SetBest records the new best chain hash in the batch.
func (b *Batch) SetBest(hash chainhash.Hash) {
	b.Best = &hash
}

// WithBest returns a batch option recording the new best chain hash.
func WithBest(hash chainhash.Hash) func(b *Batch) {
	return func(b *Batch) {
		b.SetBest(hash)
	}
}

// WithNodes returns a batch option persisting block index records.
func WithNodes(recs ...database.NodeRecord) func(b *Batch) {
	return func(b *Batch) {
		b.Nodes = append(b.Nodes, recs...)
	}
}

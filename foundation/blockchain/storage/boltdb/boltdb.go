// Package boltdb implements the ledger store on top of a bbolt database. All
// mutations of a batch are applied inside a single bbolt transaction.
package boltdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	bolt "go.etcd.io/bbolt"
)

// Bucket names.
var (
	bucketNodes   = []byte("nodes")   // block hash -> node record
	bucketEntries = []byte("entries") // outpoint -> unspent output
	bucketUndo    = []byte("undo")    // block hash -> undo record
	bucketMeta    = []byte("meta")    // best chain hash

	metaKeyBest = []byte("best")
)

// Option represents a functional option for opening the store.
type Option func(o *options)

type options struct {
	readOnly bool
	timeout  time.Duration
}

// ReadOnly opens the database without the ability to create or repair it.
func ReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithTimeout sets how long to wait for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// =============================================================================

// Bolt represents the ledger store backed by bbolt. This implements the
// ledger.Storage interface.
type Bolt struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens or creates the ledger database at the specified path.
func Open(path string, opts ...Option) (*Bolt, error) {
	o := options{timeout: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  o.timeout,
		ReadOnly: o.readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if !o.readOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range [][]byte{bucketNodes, bucketEntries, bucketUndo, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating buckets: %w", err)
		}
	}

	return &Bolt{db: db, readOnly: o.readOnly}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Entry returns the unspent output for the outpoint.
func (b *Bolt) Entry(op database.OutPoint) (database.UTXO, error) {
	var utxo database.UTXO
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return ledger.ErrNotFound
		}

		data := bucket.Get(op.Key())
		if data == nil {
			return ledger.ErrNotFound
		}

		return json.Unmarshal(data, &utxo)
	})

	return utxo, err
}

// Undo returns the undo record of a connected block.
func (b *Bolt) Undo(hash chainhash.Hash) (database.UndoData, error) {
	var undo database.UndoData
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUndo)
		if bucket == nil {
			return ledger.ErrNotFound
		}

		data := bucket.Get(hash[:])
		if data == nil {
			return ledger.ErrNotFound
		}

		return json.Unmarshal(data, &undo)
	})

	return undo, err
}

// Best returns the hash of the best chain head.
func (b *Bolt) Best() (chainhash.Hash, error) {
	var hash chainhash.Hash
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return ledger.ErrNotFound
		}

		data := bucket.Get(metaKeyBest)
		if data == nil {
			return ledger.ErrNotFound
		}

		if len(data) != chainhash.HashSize {
			return fmt.Errorf("best hash length %d: %w", len(data), ledger.ErrCorrupt)
		}

		copy(hash[:], data)
		return nil
	})

	return hash, err
}

// ForEachNode calls fn for every persisted block index record.
func (b *Bolt) ForEachNode(fn func(rec database.NodeRecord) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNodes)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec database.NodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("node %x: %w: %v", k, ledger.ErrCorrupt, err)
			}
			return fn(rec)
		})
	})
}

// ForEachEntry calls fn for every unspent output.
func (b *Bolt) ForEachEntry(fn func(utxo database.UTXO) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var utxo database.UTXO
			if err := json.Unmarshal(v, &utxo); err != nil {
				return fmt.Errorf("entry %x: %w: %v", k, ledger.ErrCorrupt, err)
			}
			return fn(utxo)
		})
	})
}

// Write applies the batch inside one bbolt transaction. Nothing is applied
// if a spent entry is missing or a created entry already exists.
func (b *Bolt) Write(batch ledger.Batch) error {
	if b.readOnly {
		return ledger.ErrReadOnly
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for _, op := range batch.Spend {
			key := op.Key()
			if entries.Get(key) == nil {
				return fmt.Errorf("spend %s: %w", op, ledger.ErrCorrupt)
			}
			if err := entries.Delete(key); err != nil {
				return err
			}
		}

		for _, utxo := range batch.Create {
			key := utxo.OutPoint.Key()
			if entries.Get(key) != nil {
				return fmt.Errorf("create %s: %w", utxo.OutPoint, ledger.ErrCorrupt)
			}
			if err := putJSON(entries, key, utxo); err != nil {
				return err
			}
		}

		undo := tx.Bucket(bucketUndo)
		for _, hash := range batch.DeleteUndo {
			if err := undo.Delete(hash[:]); err != nil {
				return err
			}
		}
		for hash, ud := range batch.PutUndo {
			if err := putJSON(undo, hash[:], ud); err != nil {
				return err
			}
		}

		nodes := tx.Bucket(bucketNodes)
		for _, rec := range batch.Nodes {
			if err := putJSON(nodes, rec.Hash[:], rec); err != nil {
				return err
			}
		}

		if batch.Best != nil {
			if err := tx.Bucket(bucketMeta).Put(metaKeyBest, batch.Best[:]); err != nil {
				return err
			}
		}

		return nil
	})
}

// =============================================================================

// putJSON marshals the value into the bucket under the key. Keys are copied
// since bbolt keeps a reference until the transaction commits.
func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	if bucket == nil {
		return errors.New("bucket missing")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	k := make([]byte, len(key))
	copy(k, key)

	return bucket.Put(k, data)
}

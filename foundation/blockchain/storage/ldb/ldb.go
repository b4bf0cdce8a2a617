// Package ldb implements the ledger store on top of a goleveldb database.
// Record kinds share one keyspace separated by a single byte prefix.
package ldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes.
const (
	prefixNode  byte = 'n'
	prefixEntry byte = 'u'
	prefixUndo  byte = 'd'
	prefixMeta  byte = 'm'
)

var keyBest = []byte{prefixMeta, 'b', 'e', 's', 't'}

// LevelDB represents the ledger store backed by goleveldb. This implements
// the ledger.Storage interface.
type LevelDB struct {
	mu       sync.Mutex
	db       *leveldb.DB
	readOnly bool
}

// Open opens or creates the database in the specified directory. A read only
// open fails if the database does not exist.
func Open(directory string, readOnly bool) (*LevelDB, error) {
	o := opt.Options{
		ReadOnly:       readOnly,
		ErrorIfMissing: readOnly,
	}

	db, err := leveldb.OpenFile(directory, &o)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB: %w", err)
	}

	return &LevelDB{db: db, readOnly: readOnly}, nil
}

// Close closes the database connection.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Entry returns the unspent output for the outpoint.
func (l *LevelDB) Entry(op database.OutPoint) (database.UTXO, error) {
	var utxo database.UTXO
	if err := l.getJSON(key(prefixEntry, op.Key()), &utxo); err != nil {
		return database.UTXO{}, err
	}
	return utxo, nil
}

// Undo returns the undo record of a connected block.
func (l *LevelDB) Undo(hash chainhash.Hash) (database.UndoData, error) {
	var undo database.UndoData
	if err := l.getJSON(key(prefixUndo, hash[:]), &undo); err != nil {
		return database.UndoData{}, err
	}
	return undo, nil
}

// Best returns the hash of the best chain head.
func (l *LevelDB) Best() (chainhash.Hash, error) {
	data, err := l.db.Get(keyBest, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return chainhash.Hash{}, ledger.ErrNotFound
		}
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHash(data)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("best hash: %w: %v", ledger.ErrCorrupt, err)
	}

	return *hash, nil
}

// ForEachNode calls fn for every persisted block index record.
func (l *LevelDB) ForEachNode(fn func(rec database.NodeRecord) error) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte{prefixNode}), nil)
	defer iter.Release()

	for iter.Next() {
		var rec database.NodeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("node %x: %w: %v", iter.Key()[1:], ledger.ErrCorrupt, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	return iter.Error()
}

// ForEachEntry calls fn for every unspent output.
func (l *LevelDB) ForEachEntry(fn func(utxo database.UTXO) error) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte{prefixEntry}), nil)
	defer iter.Release()

	for iter.Next() {
		var utxo database.UTXO
		if err := json.Unmarshal(iter.Value(), &utxo); err != nil {
			return fmt.Errorf("entry %x: %w: %v", iter.Key()[1:], ledger.ErrCorrupt, err)
		}
		if err := fn(utxo); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Write applies the batch with a single synced leveldb batch write. Nothing
// is applied if a spent entry is missing or a created entry already exists.
func (l *LevelDB) Write(batch ledger.Batch) error {
	if l.readOnly {
		return ledger.ErrReadOnly
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := new(leveldb.Batch)

	spent := make(map[database.OutPoint]bool, len(batch.Spend))
	for _, op := range batch.Spend {
		k := key(prefixEntry, op.Key())
		exists, err := l.db.Has(k, nil)
		if err != nil {
			return err
		}
		if !exists || spent[op] {
			return fmt.Errorf("spend %s: %w", op, ledger.ErrCorrupt)
		}
		spent[op] = true
		b.Delete(k)
	}

	for _, utxo := range batch.Create {
		k := key(prefixEntry, utxo.OutPoint.Key())
		exists, err := l.db.Has(k, nil)
		if err != nil {
			return err
		}
		if exists && !spent[utxo.OutPoint] {
			return fmt.Errorf("create %s: %w", utxo.OutPoint, ledger.ErrCorrupt)
		}
		if err := putJSON(b, k, utxo); err != nil {
			return err
		}
	}

	for _, hash := range batch.DeleteUndo {
		b.Delete(key(prefixUndo, hash[:]))
	}
	for hash, undo := range batch.PutUndo {
		if err := putJSON(b, key(prefixUndo, hash[:]), undo); err != nil {
			return err
		}
	}

	for _, rec := range batch.Nodes {
		if err := putJSON(b, key(prefixNode, rec.Hash[:]), rec); err != nil {
			return err
		}
	}

	if batch.Best != nil {
		b.Put(keyBest, batch.Best.CloneBytes())
	}

	return l.db.Write(b, &opt.WriteOptions{Sync: true})
}

// =============================================================================

func (l *LevelDB) getJSON(k []byte, v any) error {
	data, err := l.db.Get(k, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return ledger.ErrNotFound
		}
		return err
	}

	return json.Unmarshal(data, v)
}

func putJSON(b *leveldb.Batch, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	b.Put(k, data)
	return nil
}

func key(prefix byte, k []byte) []byte {
	out := make([]byte, 1+len(k))
	out[0] = prefix
	copy(out[1:], k)
	return out
}

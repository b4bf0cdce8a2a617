package state

import (
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// orphan is a block whose parent is not yet known.
type orphan struct {
	block   database.Block
	expires time.Time
}

// orphanPool holds orphan blocks keyed by hash and by the parent they wait
// on. The pool is bounded and entries expire.
type orphanPool struct {
	max      int
	ttl      time.Duration
	byHash   map[chainhash.Hash]*orphan
	byParent map[chainhash.Hash][]chainhash.Hash
	order    []chainhash.Hash
}

func newOrphanPool(max int, ttl time.Duration) *orphanPool {
	return &orphanPool{
		max:      max,
		ttl:      ttl,
		byHash:   make(map[chainhash.Hash]*orphan),
		byParent: make(map[chainhash.Hash][]chainhash.Hash),
	}
}

func (op *orphanPool) len() int {
	return len(op.byHash)
}

func (op *orphanPool) exists(hash chainhash.Hash) bool {
	_, exists := op.byHash[hash]
	return exists
}

// add stores the block, making room by dropping expired entries and then the
// oldest ones.
func (op *orphanPool) add(block database.Block, now time.Time) {
	hash := block.Hash()
	if op.exists(hash) {
		return
	}

	op.expire(now)
	for len(op.byHash) >= op.max && len(op.order) > 0 {
		op.remove(op.order[0])
	}

	op.byHash[hash] = &orphan{block: block, expires: now.Add(op.ttl)}
	op.byParent[block.Header.PrevBlock] = append(op.byParent[block.Header.PrevBlock], hash)
	op.order = append(op.order, hash)
}

// remove drops the orphan from the pool.
func (op *orphanPool) remove(hash chainhash.Hash) {
	o, exists := op.byHash[hash]
	if !exists {
		return
	}
	delete(op.byHash, hash)

	parent := o.block.Header.PrevBlock
	siblings := op.byParent[parent]
	for i, h := range siblings {
		if h == hash {
			siblings = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(op.byParent, parent)
	} else {
		op.byParent[parent] = siblings
	}

	for i, h := range op.order {
		if h == hash {
			op.order = append(op.order[:i:i], op.order[i+1:]...)
			break
		}
	}
}

// expire drops every orphan past its expiry.
func (op *orphanPool) expire(now time.Time) int {
	var expired []chainhash.Hash
	for hash, o := range op.byHash {
		if !now.Before(o.expires) {
			expired = append(expired, hash)
		}
	}

	for _, hash := range expired {
		op.remove(hash)
	}
	return len(expired)
}

// take removes and returns the orphans waiting on the parent in the order
// they arrived.
func (op *orphanPool) take(parent chainhash.Hash) []database.Block {
	hashes := append([]chainhash.Hash(nil), op.byParent[parent]...)

	blocks := make([]database.Block, 0, len(hashes))
	for _, hash := range hashes {
		blocks = append(blocks, op.byHash[hash].block)
		op.remove(hash)
	}
	return blocks
}

// root walks from the orphan toward older orphans and returns the oldest
// ancestor present in the pool.
func (op *orphanPool) root(hash chainhash.Hash) database.Block {
	o := op.byHash[hash]
	for {
		parent, exists := op.byHash[o.block.Header.PrevBlock]
		if !exists {
			return o.block
		}
		o = parent
	}
}

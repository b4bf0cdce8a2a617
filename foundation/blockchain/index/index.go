// Package index maintains the in memory forest of known block headers. Nodes
// live in an arena keyed by block hash and reference their parent by hash.
// The index is not safe for concurrent use; the chain store serializes all
// access under its chain state lock.
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
)

// Set of error variables for the block index.
var (
	ErrOrphanHeader   = errors.New("parent header unknown")
	ErrUnknownBlock   = errors.New("block unknown")
	ErrTerminalStatus = errors.New("block status is terminal")
	ErrNoGenesis      = errors.New("index has no genesis")
	ErrCorrupt        = errors.New("block index records inconsistent")
)

// Node is one known block header with its position in the forest.
type Node struct {
	Hash   chainhash.Hash
	Header database.BlockHeader
	Height uint64
	Work   *uint256.Int // Cumulative work from genesis up to this block.
	Status database.BlockStatus
	Pos    database.FilePos
	Seq    uint64 // First seen order.
}

// Parent returns the hash of the parent block.
func (n Node) Parent() chainhash.Hash {
	return n.Header.PrevBlock
}

// HasData reports if the transaction payload of the block is stored.
func (n Node) HasData() bool {
	return !n.Pos.IsNull()
}

// Record returns the persisted form of the node.
func (n Node) Record() database.NodeRecord {
	return database.NodeRecord{
		Hash:   n.Hash,
		Header: n.Header,
		Height: n.Height,
		Work:   n.Work.Hex(),
		Status: n.Status,
		Pos:    n.Pos,
		Seq:    n.Seq,
	}
}

// better reports if n should be preferred over other as a chain head.
// Greater cumulative work wins and equal work goes to the first seen.
func (n *Node) better(other *Node) bool {
	switch n.Work.Cmp(other.Work) {
	case 1:
		return true
	case -1:
		return false
	}
	return n.Seq < other.Seq
}

// =============================================================================

// Index is the arena of block index nodes.
type Index struct {
	nodes    map[chainhash.Hash]*Node
	children map[chainhash.Hash][]chainhash.Hash
	genesis  *Node
	seq      uint64
}

// New constructs an empty index.
func New() *Index {
	return &Index{
		nodes:    make(map[chainhash.Hash]*Node),
		children: make(map[chainhash.Hash][]chainhash.Hash),
	}
}

// Len returns the number of known blocks.
func (idx *Index) Len() int {
	return len(idx.nodes)
}

// Genesis returns the root of the index.
func (idx *Index) Genesis() (Node, error) {
	if idx.genesis == nil {
		return Node{}, ErrNoGenesis
	}
	return *idx.genesis, nil
}

// InsertGenesis adds the root node. Inserting the same genesis again is a
// no-op; a different genesis is an error.
func (idx *Index) InsertGenesis(header database.BlockHeader) (Node, error) {
	hash := header.Hash()

	if idx.genesis != nil {
		if idx.genesis.Hash != hash {
			return Node{}, fmt.Errorf("genesis %s already set, got %s", idx.genesis.Hash, hash)
		}
		return *idx.genesis, nil
	}

	n := Node{
		Hash:   hash,
		Header: header,
		Height: 0,
		Work:   database.CalcWork(header.Bits),
		Status: database.StatusHeaderValid,
		Seq:    idx.nextSeq(),
	}

	idx.nodes[hash] = &n
	idx.genesis = &n

	return n, nil
}

// Insert adds a header whose parent is known. Height and cumulative work come
// from the parent. Re-inserting a known header returns the existing node and
// changes nothing.
func (idx *Index) Insert(header database.BlockHeader) (Node, error) {
	hash := header.Hash()

	if n, exists := idx.nodes[hash]; exists {
		return *n, nil
	}

	parent, exists := idx.nodes[header.PrevBlock]
	if !exists {
		return Node{}, fmt.Errorf("block %s parent %s: %w", hash, header.PrevBlock, ErrOrphanHeader)
	}

	n := Node{
		Hash:   hash,
		Header: header,
		Height: parent.Height + 1,
		Work:   new(uint256.Int).Add(parent.Work, database.CalcWork(header.Bits)),
		Status: database.StatusHeaderValid,
		Seq:    idx.nextSeq(),
	}

	idx.nodes[hash] = &n
	idx.children[parent.Hash] = append(idx.children[parent.Hash], hash)

	return n, nil
}

// Lookup returns the node for the hash.
func (idx *Index) Lookup(hash chainhash.Hash) (Node, bool) {
	n, exists := idx.nodes[hash]
	if !exists {
		return Node{}, false
	}
	return *n, true
}

// Ancestors returns up to n nodes walking from the hash toward genesis,
// starting with the node itself.
func (idx *Index) Ancestors(hash chainhash.Hash, n int) []Node {
	var nodes []Node
	for node := idx.nodes[hash]; node != nil && len(nodes) < n; node = idx.parent(node) {
		nodes = append(nodes, *node)
	}
	return nodes
}

// AncestorAt returns the ancestor of the hash at the specified height.
func (idx *Index) AncestorAt(hash chainhash.Hash, height uint64) (Node, bool) {
	node := idx.nodes[hash]
	if node == nil || height > node.Height {
		return Node{}, false
	}

	for node != nil && node.Height > height {
		node = idx.parent(node)
	}

	if node == nil {
		return Node{}, false
	}
	return *node, true
}

// Children returns the hashes of the blocks built directly on the hash in
// first seen order.
func (idx *Index) Children(hash chainhash.Hash) []chainhash.Hash {
	return append([]chainhash.Hash(nil), idx.children[hash]...)
}

// Tips returns every node without children, ordered by height and then
// first seen.
func (idx *Index) Tips() []Node {
	var tips []Node
	for hash, n := range idx.nodes {
		if len(idx.children[hash]) == 0 {
			tips = append(tips, *n)
		}
	}

	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Height != tips[j].Height {
			return tips[i].Height > tips[j].Height
		}
		return tips[i].Seq < tips[j].Seq
	})

	return tips
}

// =============================================================================

// SetStatus changes the validation status of a node. A node in a terminal
// status can not move to a different status.
func (idx *Index) SetStatus(hash chainhash.Hash, status database.BlockStatus) (Node, error) {
	n, exists := idx.nodes[hash]
	if !exists {
		return Node{}, fmt.Errorf("set status %s: %w", hash, ErrUnknownBlock)
	}

	if n.Status == status {
		return *n, nil
	}

	if n.Status.Terminal() {
		return Node{}, fmt.Errorf("block %s is %s, can't become %s: %w", hash, n.Status, status, ErrTerminalStatus)
	}

	n.Status = status
	return *n, nil
}

// MarkInvalid marks the node and every descendant not already in a terminal
// status as invalid. The changed nodes are returned.
func (idx *Index) MarkInvalid(hash chainhash.Hash) ([]Node, error) {
	n, exists := idx.nodes[hash]
	if !exists {
		return nil, fmt.Errorf("mark invalid %s: %w", hash, ErrUnknownBlock)
	}

	if n.Status == database.StatusFullyValidated {
		return nil, fmt.Errorf("block %s is %s: %w", hash, n.Status, ErrTerminalStatus)
	}

	var changed []Node
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if !cur.Status.Terminal() {
			cur.Status = database.StatusInvalid
			changed = append(changed, *cur)
		}

		for _, child := range idx.children[cur.Hash] {
			queue = append(queue, idx.nodes[child])
		}
	}

	return changed, nil
}

// SetData records where the transaction payload of the block was stored.
func (idx *Index) SetData(hash chainhash.Hash, pos database.FilePos) (Node, error) {
	n, exists := idx.nodes[hash]
	if !exists {
		return Node{}, fmt.Errorf("set data %s: %w", hash, ErrUnknownBlock)
	}

	n.Pos = pos
	return *n, nil
}

// =============================================================================

// Records returns the persisted form of every node ordered by first seen.
func (idx *Index) Records() []database.NodeRecord {
	recs := make([]database.NodeRecord, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		recs = append(recs, n.Record())
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Seq < recs[j].Seq
	})

	return recs
}

// Restore rebuilds the index from persisted records. Cumulative work is
// recalculated and must match what was stored. Records whose parent is
// missing are reported as corruption.
func (idx *Index) Restore(recs []database.NodeRecord) error {
	recs = append([]database.NodeRecord(nil), recs...)
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Height != recs[j].Height {
			return recs[i].Height < recs[j].Height
		}
		return recs[i].Seq < recs[j].Seq
	})

	for _, rec := range recs {
		if rec.Header.Hash() != rec.Hash {
			return fmt.Errorf("record %s header hash mismatch: %w", rec.Hash, ErrCorrupt)
		}

		var work *uint256.Int
		switch rec.Height {
		case 0:
			if idx.genesis != nil {
				return fmt.Errorf("second genesis %s: %w", rec.Hash, ErrCorrupt)
			}
			work = database.CalcWork(rec.Header.Bits)

		default:
			parent, exists := idx.nodes[rec.Header.PrevBlock]
			if !exists || parent.Height+1 != rec.Height {
				return fmt.Errorf("record %s parent %s: %w", rec.Hash, rec.Header.PrevBlock, ErrCorrupt)
			}
			work = new(uint256.Int).Add(parent.Work, database.CalcWork(rec.Header.Bits))
			idx.children[parent.Hash] = append(idx.children[parent.Hash], rec.Hash)
		}

		stored, err := uint256.FromHex(rec.Work)
		if err != nil || !stored.Eq(work) {
			return fmt.Errorf("record %s work %s: %w", rec.Hash, rec.Work, ErrCorrupt)
		}

		n := Node{
			Hash:   rec.Hash,
			Header: rec.Header,
			Height: rec.Height,
			Work:   work,
			Status: rec.Status,
			Pos:    rec.Pos,
			Seq:    rec.Seq,
		}
		idx.nodes[rec.Hash] = &n

		if rec.Height == 0 {
			idx.genesis = &n
		}

		if rec.Seq >= idx.seq {
			idx.seq = rec.Seq + 1
		}
	}

	// Children are kept in first seen order.
	for hash, kids := range idx.children {
		sort.Slice(kids, func(i, j int) bool {
			return idx.nodes[kids[i]].Seq < idx.nodes[kids[j]].Seq
		})
		idx.children[hash] = kids
	}

	return nil
}

// =============================================================================

func (idx *Index) parent(n *Node) *Node {
	if n == idx.genesis {
		return nil
	}
	return idx.nodes[n.Header.PrevBlock]
}

func (idx *Index) nextSeq() uint64 {
	seq := idx.seq
	idx.seq++
	return seq
}

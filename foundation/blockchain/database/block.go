package database

import (
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/merkle"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Version    int32          `json:"version"`
	PrevBlock  chainhash.Hash `json:"prev_block"`  // Hash of the previous block in the chain.
	MerkleRoot chainhash.Hash `json:"merkle_root"` // Merkle root of the transaction ids in this block.
	Timestamp  int64          `json:"timestamp"`   // Unix seconds the block was mined.
	Bits       uint32         `json:"bits"`        // Compact form of the proof of work target.
	Nonce      uint32         `json:"nonce"`       // Value identified to solve the hash solution.
}

// Hash returns the double sha256 of the serialized header. Only the header is
// hashed so a chain of headers can be verified without transaction data.
func (bh BlockHeader) Hash() chainhash.Hash {
	wh := wire.BlockHeader{
		Version:    bh.Version,
		PrevBlock:  bh.PrevBlock,
		MerkleRoot: bh.MerkleRoot,
		Timestamp:  time.Unix(bh.Timestamp, 0),
		Bits:       bh.Bits,
		Nonce:      bh.Nonce,
	}

	return wh.BlockHash()
}

// Time returns the header timestamp as a time value.
func (bh BlockHeader) Time() time.Time {
	return time.Unix(bh.Timestamp, 0).UTC()
}

// =============================================================================

// Block represents a group of transactions batched together. A block is
// immutable once constructed.
type Block struct {
	Header BlockHeader `json:"header"`
	Txs    []Tx        `json:"txs"`
}

// NewBlock constructs a block on top of the specified parent with the merkle
// root computed from the transactions. The nonce still has to be found.
func NewBlock(prevBlock chainhash.Hash, timestamp int64, bits uint32, txs []Tx) (Block, error) {
	root, err := MerkleRoot(txs)
	if err != nil {
		return Block{}, err
	}

	b := Block{
		Header: BlockHeader{
			Version:    1,
			PrevBlock:  prevBlock,
			MerkleRoot: root,
			Timestamp:  timestamp,
			Bits:       bits,
		},
		Txs: txs,
	}

	return b, nil
}

// Hash returns the unique hash for the Block.
func (b Block) Hash() chainhash.Hash {
	return b.Header.Hash()
}

// SerializeSize returns the number of bytes the transactions take on the wire.
func (b Block) SerializeSize() int {
	var size int
	for _, tx := range b.Txs {
		size += tx.toWire(true).SerializeSize()
	}
	return size
}

// MerkleRoot calculates the merkle root for the set of transactions.
func MerkleRoot(txs []Tx) (chainhash.Hash, error) {
	tree, err := merkle.NewTree(txs)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return tree.MerkleRoot, nil
}

// Package database provides the data model shared by the chain store: blocks,
// transactions, ledger entries, undo records and the persisted form of the
// block index.
package database

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ZeroHash represents a hash code of zeros. It is the previous block hash of
// the genesis block and the transaction id of a coinbase input.
var ZeroHash chainhash.Hash

// Set of error variables for decoding persisted values.
var (
	ErrNotFound   = errors.New("not found")
	ErrBadPayload = errors.New("payload does not match requested position")
)

// BlockStorage interface represents the behavior required to be implemented
// by any package providing support for storing and reading block payloads.
type BlockStorage interface {
	Write(block Block) (FilePos, error)
	Read(pos FilePos) (Block, error)
	Close() error
}

// =============================================================================

// FilePos identifies where the transaction payload of a block was written.
type FilePos struct {
	File   uint32 `json:"file"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// IsNull reports if the position has never been assigned, which is the case
// for header-only nodes.
func (fp FilePos) IsNull() bool {
	return fp.Size == 0
}

// =============================================================================

// BlockStatus represents how far a block has progressed through validation.
type BlockStatus uint8

// Set of known block status values.
const (
	StatusUnchecked BlockStatus = iota
	StatusHeaderValid
	StatusFullyValidated
	StatusInvalid
)

// Terminal reports if no further validation may change the status.
func (s BlockStatus) Terminal() bool {
	return s == StatusFullyValidated || s == StatusInvalid
}

// String implements the fmt.Stringer interface.
func (s BlockStatus) String() string {
	switch s {
	case StatusUnchecked:
		return "unchecked"
	case StatusHeaderValid:
		return "header-valid"
	case StatusFullyValidated:
		return "fully-validated"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// =============================================================================

// NodeRecord is the persisted form of one block index node. Work is the hex
// encoding of the cumulative proof of work up to and including this block.
type NodeRecord struct {
	Hash   chainhash.Hash `json:"hash"`
	Header BlockHeader    `json:"header"`
	Height uint64         `json:"height"`
	Work   string         `json:"work"`
	Status BlockStatus    `json:"status"`
	Pos    FilePos        `json:"pos"`
	Seq    uint64         `json:"seq"`
}

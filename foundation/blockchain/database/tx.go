package database

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CoinbaseIndex is the output index carried by the null outpoint of a
// coinbase input.
const CoinbaseIndex = math.MaxUint32

// OutPoint identifies one output of one transaction. It is the key of a
// ledger entry.
type OutPoint struct {
	TxID  chainhash.Hash `json:"txid"`
	Index uint32         `json:"index"`
}

// IsNull reports if this is the outpoint used by a coinbase input.
func (op OutPoint) IsNull() bool {
	return op.Index == CoinbaseIndex && op.TxID == ZeroHash
}

// String implements the fmt.Stringer interface.
func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxID, op.Index)
}

// Key returns the 36 byte storage key for the outpoint.
func (op OutPoint) Key() []byte {
	key := make([]byte, chainhash.HashSize+4)
	copy(key, op.TxID[:])
	binary.BigEndian.PutUint32(key[chainhash.HashSize:], op.Index)
	return key
}

// OutPointFromKey reverses Key.
func OutPointFromKey(key []byte) (OutPoint, error) {
	if len(key) != chainhash.HashSize+4 {
		return OutPoint{}, fmt.Errorf("outpoint key length %d", len(key))
	}

	var op OutPoint
	copy(op.TxID[:], key[:chainhash.HashSize])
	op.Index = binary.BigEndian.Uint32(key[chainhash.HashSize:])
	return op, nil
}

// =============================================================================

// TxIn spends a previously created output. The signature authorizes the spend
// on behalf of the output owner.
type TxIn struct {
	PrevOut   OutPoint      `json:"prev_out"`
	Signature hexutil.Bytes `json:"signature"`
}

// TxOut creates a new output owned by an account address.
type TxOut struct {
	Value uint64 `json:"value"`
	Owner string `json:"owner"`
}

// Tx is a transfer of value from a set of existing outputs to a set of new
// outputs.
type Tx struct {
	Version  uint32  `json:"version"`
	Inputs   []TxIn  `json:"inputs"`
	Outputs  []TxOut `json:"outputs"`
	LockTime uint32  `json:"lock_time"`
}

// NewCoinbase constructs the issuance transaction for a block at the given
// height. The height is carried in the lock time so coinbase ids are unique
// along a chain.
func NewCoinbase(height uint64, outputs []TxOut) Tx {
	return Tx{
		Version:  1,
		Inputs:   []TxIn{{PrevOut: OutPoint{TxID: ZeroHash, Index: CoinbaseIndex}}},
		Outputs:  outputs,
		LockTime: uint32(height),
	}
}

// IsCoinbase reports if the transaction issues new value.
func (tx Tx) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsNull()
}

// ID returns the transaction id. Signatures are not part of the id so the
// id can be signed by each input.
func (tx Tx) ID() chainhash.Hash {
	return tx.toWire(false).TxHash()
}

// SigHash returns the digest an input signature commits to.
func (tx Tx) SigHash(input int) chainhash.Hash {
	id := tx.ID()

	data := make([]byte, chainhash.HashSize+4)
	copy(data, id[:])
	binary.LittleEndian.PutUint32(data[chainhash.HashSize:], uint32(input))

	return chainhash.DoubleHashH(data)
}

// OutputValue returns the total value of all outputs and reports if the sum
// overflowed.
func (tx Tx) OutputValue() (uint64, bool) {
	var total uint64
	for _, out := range tx.Outputs {
		if total+out.Value < total {
			return 0, false
		}
		total += out.Value
	}
	return total, true
}

// Hash implements the merkle Hashable interface.
func (tx Tx) Hash() (chainhash.Hash, error) {
	return tx.ID(), nil
}

// toWire maps the transaction onto the btcd wire format for hashing and
// sizing. The owner address takes the place of the public key script.
func (tx Tx) toWire(withSigs bool) *wire.MsgTx {
	msg := wire.NewMsgTx(int32(tx.Version))

	for _, in := range tx.Inputs {
		prev := in.PrevOut.TxID

		var script []byte
		if withSigs {
			script = in.Signature
		}

		msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, in.PrevOut.Index), script, nil))
	}

	for _, out := range tx.Outputs {
		msg.AddTxOut(wire.NewTxOut(int64(out.Value), []byte(out.Owner)))
	}

	msg.LockTime = tx.LockTime

	return msg
}

// =============================================================================

// IsAddress checks the address is a 20 byte hex encoded account address.
func IsAddress(address string) bool {
	return common.IsHexAddress(address)
}

// ToAddress normalizes an address to its checksummed form.
func ToAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return common.HexToAddress(address).Hex(), nil
}

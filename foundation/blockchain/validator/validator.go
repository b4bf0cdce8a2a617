// Package validator applies and reverts the effect of blocks on the ledger
// store and enforces the consensus rules while doing so.
package validator

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/lightningnetwork/lnd/clock"
)

// TxValidator interface represents the behavior required to check that an
// input is authorized to spend the output it references.
type TxValidator interface {
	ValidateInput(tx database.Tx, input int, prev database.UTXO) error
}

// SignatureValidator checks the input signature recovers to the owner of the
// spent output.
type SignatureValidator struct{}

// ValidateInput implements the TxValidator interface.
func (SignatureValidator) ValidateInput(tx database.Tx, input int, prev database.UTXO) error {
	addr, err := signature.FromAddress(tx.SigHash(input), tx.Inputs[input].Signature)
	if err != nil {
		return err
	}

	if !strings.EqualFold(addr, prev.Owner) {
		return fmt.Errorf("signed by %s, output owned by %s", addr, prev.Owner)
	}

	return nil
}

// =============================================================================

// Config represents the collaborators the validator needs.
type Config struct {
	Genesis       genesis.Genesis
	Ledger        ledger.Storage
	TxValidator   TxValidator
	Clock         clock.Clock
	ScriptWorkers int
	EvHandler     func(v string, args ...any)
}

// Validator checks blocks and applies them to the ledger store.
type Validator struct {
	genesis       genesis.Genesis
	ledger        ledger.Storage
	txValidator   TxValidator
	clock         clock.Clock
	scriptWorkers int
	evHandler     func(v string, args ...any)
}

// New constructs a validator for use.
func New(cfg Config) *Validator {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	txv := cfg.TxValidator
	if txv == nil {
		txv = SignatureValidator{}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	workers := cfg.ScriptWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Validator{
		genesis:       cfg.Genesis,
		ledger:        cfg.Ledger,
		txValidator:   txv,
		clock:         clk,
		scriptWorkers: workers,
		evHandler:     ev,
	}
}

// =============================================================================

// CheckBlockStructure performs the checks that need nothing but the block
// and the local clock. The ledger is not touched.
func (v *Validator) CheckBlockStructure(block database.Block) error {
	hash := block.Hash()

	if err := v.CheckHeader(block.Header); err != nil {
		return err
	}

	v.evHandler("validator: CheckBlockStructure: blk[%s]: check: transactions", hash)

	if len(block.Txs) == 0 {
		return reject(hash, ErrNoTransactions, "")
	}

	if len(block.Txs) > v.genesis.MaxBlockTxs {
		return reject(hash, ErrTooManyTransactions, "%d > %d", len(block.Txs), v.genesis.MaxBlockTxs)
	}

	if !block.Txs[0].IsCoinbase() {
		return reject(hash, ErrBadCoinbase, "first transaction is not a coinbase")
	}

	seen := make(map[string]bool, len(block.Txs))
	for i, tx := range block.Txs {
		if i > 0 && tx.IsCoinbase() {
			return reject(hash, ErrBadCoinbase, "tx %d is a second coinbase", i)
		}

		if err := checkTransaction(tx); err != nil {
			return reject(hash, err, "tx %d", i)
		}

		id := tx.ID().String()
		if seen[id] {
			return reject(hash, ErrDuplicateTransaction, "tx %s", id)
		}
		seen[id] = true
	}

	v.evHandler("validator: CheckBlockStructure: blk[%s]: check: merkle root does match transactions", hash)

	root, err := database.MerkleRoot(block.Txs)
	if err != nil {
		return reject(hash, ErrInvalidMerkleRoot, "%s", err)
	}

	if root != block.Header.MerkleRoot {
		return reject(hash, ErrInvalidMerkleRoot, "got %s, exp %s", root, block.Header.MerkleRoot)
	}

	return nil
}

// CheckHeader checks the proof of work and that the timestamp is not too far
// ahead of the local clock.
func (v *Validator) CheckHeader(header database.BlockHeader) error {
	hash := header.Hash()

	v.evHandler("validator: CheckHeader: blk[%s]: check: proof of work", hash)

	if database.Target(header.Bits).Cmp(v.genesis.PowLimit()) > 0 {
		return reject(hash, ErrBadDifficulty, "bits %#x", header.Bits)
	}

	if !database.IsHashSolved(header.Bits, hash) {
		return reject(hash, ErrInvalidProofOfWork, "bits %#x", header.Bits)
	}

	v.evHandler("validator: CheckHeader: blk[%s]: check: timestamp not too far in the future", hash)

	maxTime := v.clock.Now().Add(time.Duration(v.genesis.MaxFutureDrift) * time.Second)
	if header.Time().After(maxTime) {
		return reject(hash, ErrTimestampOutOfRange, "block time %s after %s", header.Time(), maxTime.UTC())
	}

	return nil
}

// CheckHeaderContext performs the checks that need the position of the block
// in the chain: the median time of the previous blocks and the checkpoints.
// The previous timestamps are ordered from the parent backward.
func (v *Validator) CheckHeaderContext(header database.BlockHeader, height uint64, prevTimes []int64) error {
	hash := header.Hash()

	v.evHandler("validator: CheckHeaderContext: blk[%s]: height[%d]: check: median time past", hash, height)

	if len(prevTimes) > 0 {
		median := MedianTime(prevTimes)
		if header.Timestamp <= median {
			return reject(hash, ErrTimestampOutOfRange, "time %d not after median %d", header.Timestamp, median)
		}
	}

	v.evHandler("validator: CheckHeaderContext: blk[%s]: height[%d]: check: checkpoint", hash, height)

	if cp, exists := v.genesis.Checkpoint(height); exists && cp != hash {
		return reject(hash, ErrCheckpointMismatch, "height %d expects %s", height, cp)
	}

	return nil
}

// MedianTime returns the median of the timestamps.
func MedianTime(times []int64) int64 {
	sorted := append([]int64(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// =============================================================================

// checkTransaction performs the stateless checks of one transaction.
func checkTransaction(tx database.Tx) error {
	if len(tx.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrBadOutput)
	}

	for i, out := range tx.Outputs {
		if out.Value == 0 {
			return fmt.Errorf("%w: output %d has no value", ErrBadOutput, i)
		}
		if !database.IsAddress(out.Owner) {
			return fmt.Errorf("%w: output %d owner %q", ErrBadOutput, i, out.Owner)
		}
	}

	if _, ok := tx.OutputValue(); !ok {
		return ErrValueOverflow
	}

	if tx.IsCoinbase() {
		return nil
	}

	if len(tx.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrMissingOrSpentInput)
	}

	spends := make(map[database.OutPoint]bool, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.PrevOut.IsNull() {
			return fmt.Errorf("%w: null input", ErrBadCoinbase)
		}
		if spends[in.PrevOut] {
			return fmt.Errorf("%w: %s", ErrDuplicateInput, in.PrevOut)
		}
		spends[in.PrevOut] = true
	}

	return nil
}

package validator

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"
)

// inputCheck is one deferred authorization check.
type inputCheck struct {
	tx    database.Tx
	input int
	prev  database.UTXO
}

// ConnectBlock applies the block at the specified height to the ledger,
// which must hold the state of the block's parent. All contextual
// transaction rules are checked before anything is written. The ledger
// mutation, the undo record and any extra mutations provided by the caller
// are written as one batch.
//
// A rule violation returns a *ValidationError and leaves the ledger
// untouched. Any other error comes from the ledger store.
func (v *Validator) ConnectBlock(block database.Block, height uint64, with ...func(b *ledger.Batch)) (database.UndoData, error) {
	hash := block.Hash()

	v.evHandler("validator: ConnectBlock: blk[%s]: height[%d]: txs[%d]", hash, height, len(block.Txs))

	if len(block.Txs) == 0 || !block.Txs[0].IsCoinbase() {
		return database.UndoData{}, reject(hash, ErrBadCoinbase, "missing coinbase")
	}

	if block.Txs[0].LockTime != uint32(height) {
		return database.UndoData{}, reject(hash, ErrBadCoinbase, "coinbase height %d, block height %d", block.Txs[0].LockTime, height)
	}

	// Outputs created by this block, spendable by later transactions in it.
	created := make(map[database.OutPoint]database.UTXO)
	var createdOrder []database.OutPoint

	// Ledger entries and block outputs consumed so far.
	spentByBlock := make(map[database.OutPoint]bool)

	var undo database.UndoData
	var checks []inputCheck
	var fees uint64

	for i, tx := range block.Txs {
		id := tx.ID()

		// A transaction may not recreate an unspent output already in the ledger.
		for j := range tx.Outputs {
			op := database.OutPoint{TxID: id, Index: uint32(j)}
			_, err := v.ledger.Entry(op)
			switch {
			case err == nil:
				return database.UndoData{}, reject(hash, ErrDuplicateTransaction, "tx %s overwrites unspent output %s", id, op)
			case !errors.Is(err, ledger.ErrNotFound):
				return database.UndoData{}, fmt.Errorf("connect block %s: entry %s: %w", hash, op, err)
			}
		}

		if !tx.IsCoinbase() {
			var in uint64
			for k, txIn := range tx.Inputs {
				op := txIn.PrevOut

				if spentByBlock[op] {
					return database.UndoData{}, reject(hash, ErrMissingOrSpentInput, "tx %d spends %s twice", i, op)
				}

				prev, inBlock := created[op]
				if !inBlock {
					var err error
					prev, err = v.ledger.Entry(op)
					switch {
					case errors.Is(err, ledger.ErrNotFound):
						return database.UndoData{}, reject(hash, ErrMissingOrSpentInput, "tx %d input %s", i, op)
					case err != nil:
						return database.UndoData{}, fmt.Errorf("connect block %s: entry %s: %w", hash, op, err)
					}
					undo.Spent = append(undo.Spent, prev)
				}
				spentByBlock[op] = true

				if prev.Coinbase && height-prev.Height < v.genesis.CoinbaseMaturity {
					return database.UndoData{}, reject(hash, ErrImmatureSpend, "tx %d input %s created at %d", i, op, prev.Height)
				}

				if in+prev.Value < in {
					return database.UndoData{}, reject(hash, ErrValueOverflow, "tx %d inputs", i)
				}
				in += prev.Value

				checks = append(checks, inputCheck{tx: tx, input: k, prev: prev})
			}

			out, ok := tx.OutputValue()
			if !ok {
				return database.UndoData{}, reject(hash, ErrValueOverflow, "tx %d outputs", i)
			}

			if in < out {
				return database.UndoData{}, reject(hash, ErrNegativeFee, "tx %d spends %d, creates %d", i, in, out)
			}

			if fees+(in-out) < fees {
				return database.UndoData{}, reject(hash, ErrValueOverflow, "block fees")
			}
			fees += in - out
		}

		for j, txOut := range tx.Outputs {
			op := database.OutPoint{TxID: id, Index: uint32(j)}
			created[op] = database.UTXO{
				OutPoint: op,
				Value:    txOut.Value,
				Owner:    txOut.Owner,
				Height:   height,
				Coinbase: tx.IsCoinbase(),
			}
			createdOrder = append(createdOrder, op)
		}
	}

	// The genesis block issues the initial balances and is exempt.
	if height > 0 {
		allowed := v.genesis.MiningReward + fees
		if allowed < fees {
			return database.UndoData{}, reject(hash, ErrValueOverflow, "reward plus fees")
		}

		issued, ok := block.Txs[0].OutputValue()
		if !ok {
			return database.UndoData{}, reject(hash, ErrValueOverflow, "coinbase outputs")
		}

		if issued > allowed {
			return database.UndoData{}, reject(hash, ErrBadCoinbase, "coinbase pays %d, allowed %d", issued, allowed)
		}
	}

	if err := v.checkInputs(checks); err != nil {
		return database.UndoData{}, reject(hash, ErrScriptValidationFailed, "%s", err)
	}

	batch := ledger.Batch{
		PutUndo: map[chainhash.Hash]database.UndoData{},
	}

	for _, prev := range undo.Spent {
		batch.Spend = append(batch.Spend, prev.OutPoint)
	}

	for _, op := range createdOrder {
		if spentByBlock[op] {
			continue
		}
		undo.Created = append(undo.Created, op)
		batch.Create = append(batch.Create, created[op])
	}

	batch.PutUndo[hash] = undo
	for _, fn := range with {
		fn(&batch)
	}

	v.evHandler("validator: ConnectBlock: blk[%s]: spent[%d] created[%d] fees[%d]", hash, len(undo.Spent), len(undo.Created), fees)

	if err := v.ledger.Write(batch); err != nil {
		return database.UndoData{}, fmt.Errorf("connect block %s: write: %w", hash, err)
	}

	return undo, nil
}

// checkInputs runs the authorization checks in parallel. The first failure
// is returned.
func (v *Validator) checkInputs(checks []inputCheck) error {
	if len(checks) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(v.scriptWorkers)

	for _, c := range checks {
		g.Go(func() error {
			if err := v.txValidator.ValidateInput(c.tx, c.input, c.prev); err != nil {
				return fmt.Errorf("tx %s input %d: %w", c.tx.ID(), c.input, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// DisconnectBlock reverts the block, which must be the block most recently
// connected to the ledger, using its undo record. The undo record is
// removed in the same batch. If the ledger does not agree with the undo
// record the store is corrupt and ErrUndoDataMismatch is returned without
// writing anything.
func (v *Validator) DisconnectBlock(block database.Block, undo database.UndoData, with ...func(b *ledger.Batch)) error {
	hash := block.Hash()

	v.evHandler("validator: DisconnectBlock: blk[%s]: spent[%d] created[%d]", hash, len(undo.Spent), len(undo.Created))

	outputs := make(map[database.OutPoint]bool)
	for _, tx := range block.Txs {
		id := tx.ID()
		for j := range tx.Outputs {
			outputs[database.OutPoint{TxID: id, Index: uint32(j)}] = true
		}
	}

	for _, op := range undo.Created {
		if !outputs[op] {
			return fmt.Errorf("disconnect block %s: %w: %s not created by block", hash, ErrUndoDataMismatch, op)
		}

		_, err := v.ledger.Entry(op)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("disconnect block %s: %w: %s missing", hash, ErrUndoDataMismatch, op)
		case err != nil:
			return fmt.Errorf("disconnect block %s: entry %s: %w", hash, op, err)
		}
	}

	for _, prev := range undo.Spent {
		_, err := v.ledger.Entry(prev.OutPoint)
		switch {
		case err == nil:
			return fmt.Errorf("disconnect block %s: %w: %s is unspent", hash, ErrUndoDataMismatch, prev.OutPoint)
		case !errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("disconnect block %s: entry %s: %w", hash, prev.OutPoint, err)
		}
	}

	batch := ledger.Batch{
		Spend:      undo.Created,
		Create:     undo.Spent,
		DeleteUndo: []chainhash.Hash{hash},
	}
	for _, fn := range with {
		fn(&batch)
	}

	if err := v.ledger.Write(batch); err != nil {
		return fmt.Errorf("disconnect block %s: write: %w", hash, err)
	}

	return nil
}

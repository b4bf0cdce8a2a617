package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
)

// Set of error variables for building blocks.
var (
	ErrBadBeneficiary = errors.New("beneficiary is not an address")
	ErrBadTx          = errors.New("transaction can not be included")
)

// =============================================================================

// MineNewBlock attempts to create a new block with a proper hash that can
// become the next block in the best chain. The coinbase pays the reward and
// the fees of the transactions to the beneficiary.
func (s *State) MineNewBlock(ctx context.Context, beneficiary string, txs []database.Tx) (database.Block, error) {
	s.evHandler("state: MineNewBlock: MINING: prepare block")

	block, err := s.NewBlockTemplate(beneficiary, txs)
	if err != nil {
		return database.Block{}, err
	}

	s.evHandler("state: MineNewBlock: MINING: perform POW")

	// Attempt to solve the POW puzzle. This can be cancelled.
	if err := database.Mine(ctx, &block, s.evHandler); err != nil {
		return database.Block{}, err
	}

	// Just check one more time we were not cancelled.
	if ctx.Err() != nil {
		return database.Block{}, ctx.Err()
	}

	s.evHandler("state: MineNewBlock: MINING: emit block")

	if err := s.EmitBlock(block); err != nil {
		return database.Block{}, err
	}

	return block, nil
}

// NewBlockTemplate constructs an unsolved block on top of the best chain
// holding the transactions.
func (s *State) NewBlockTemplate(beneficiary string, txs []database.Tx) (database.Block, error) {
	if !database.IsAddress(beneficiary) {
		return database.Block{}, fmt.Errorf("%q: %w", beneficiary, ErrBadBeneficiary)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	best := s.best
	height := best.Height + 1

	// Outputs created by earlier transactions in the template can be spent
	// by later ones.
	created := make(map[database.OutPoint]uint64)

	var fees uint64
	for i, tx := range txs {
		var in uint64
		for _, txIn := range tx.Inputs {
			value, exists := created[txIn.PrevOut]
			if !exists {
				u, err := s.ledger.Entry(txIn.PrevOut)
				if err != nil {
					return database.Block{}, fmt.Errorf("tx %d input %s: %w: %w", i, txIn.PrevOut, ErrBadTx, err)
				}
				value = u.Value
			}
			in += value
		}

		out, ok := tx.OutputValue()
		if !ok || out > in {
			return database.Block{}, fmt.Errorf("tx %d spends %d, creates %d: %w", i, in, out, ErrBadTx)
		}
		fees += in - out

		id := tx.ID()
		for j, txOut := range tx.Outputs {
			created[database.OutPoint{TxID: id, Index: uint32(j)}] = txOut.Value
		}
	}

	coinbase := database.NewCoinbase(height, []database.TxOut{{Value: s.genesis.MiningReward + fees, Owner: beneficiary}})

	// The timestamp has to move past the median of the previous blocks.
	timestamp := s.clock.Now().Unix()
	if median := validator.MedianTime(s.prevTimes(best.Hash)) + 1; timestamp < median {
		timestamp = median
	}

	return database.NewBlock(best.Hash, timestamp, s.genesis.PowLimitBits, append([]database.Tx{coinbase}, txs...))
}

package validator_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage/memory"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/clock"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	pkHexKey    = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	otherHexKey = "aed31b6b5a1b8ed3a1f5d4b0e2bdbbd29a3c9e5a1c7f0b6d2c9e4f3a8b7c6d5e"
	miner       = "0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8"
	payee       = "0xF01813E4B85e178A83e29B8E7bF26BD830a25f32"
)

var now = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

// harness holds a ledger with the genesis block connected.
type harness struct {
	gen     genesis.Genesis
	ledger  *memory.Memory
	v       *validator.Validator
	pk      *ecdsa.PrivateKey
	owner   string
	genesis database.Block
}

func newHarness(t *testing.T, txv validator.TxValidator) *harness {
	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to load the private key: %v", failed, err)
	}
	owner := signature.Address(pk)

	gen := genesis.Default()
	gen.Balances = map[string]uint64{owner: 1000}

	led := memory.New()
	v := validator.New(validator.Config{
		Genesis:     gen,
		Ledger:      led,
		TxValidator: txv,
		Clock:       clock.NewTestClock(now),
	})

	block := gen.Block()
	if _, err := v.ConnectBlock(block, 0); err != nil {
		t.Fatalf("\t%s\tShould be able to connect the genesis block: %v", failed, err)
	}

	return &harness{gen: gen, ledger: led, v: v, pk: pk, owner: owner, genesis: block}
}

// genesisOut returns the output issued to the owner by the genesis block.
func (h *harness) genesisOut() database.OutPoint {
	return database.OutPoint{TxID: h.genesis.Txs[0].ID(), Index: 0}
}

// spend constructs a transaction moving the inputs to the outputs signed by
// the specified key.
func spend(t *testing.T, pk *ecdsa.PrivateKey, ins []database.OutPoint, outs ...database.TxOut) database.Tx {
	tx := database.Tx{Version: 1, Outputs: outs}
	for _, op := range ins {
		tx.Inputs = append(tx.Inputs, database.TxIn{PrevOut: op})
	}

	for i := range tx.Inputs {
		sig, err := signature.Sign(tx.SigHash(i), pk)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign the transaction: %v", failed, err)
		}
		tx.Inputs[i].Signature = sig
	}

	return tx
}

// block constructs a block at the height paying the coinbase value to the
// miner. The block is not mined.
func block(t *testing.T, prev chainhash.Hash, height uint64, reward uint64, txs ...database.Tx) database.Block {
	cb := database.NewCoinbase(height, []database.TxOut{{Value: reward, Owner: miner}})

	b, err := database.NewBlock(prev, now.Unix(), genesis.RegtestBits, append([]database.Tx{cb}, txs...))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the block: %v", failed, err)
	}
	return b
}

func mine(t *testing.T, b database.Block) database.Block {
	if err := database.Mine(context.Background(), &b, func(string, ...any) {}); err != nil {
		t.Fatalf("\t%s\tShould be able to mine the block: %v", failed, err)
	}
	return b
}

func snapshot(t *testing.T, s ledger.Storage) map[database.OutPoint]database.UTXO {
	entries := make(map[database.OutPoint]database.UTXO)
	err := s.ForEachEntry(func(u database.UTXO) error {
		entries[u.OutPoint] = u
		return nil
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to read the ledger: %v", failed, err)
	}
	return entries
}

func equal(a, b map[database.OutPoint]database.UTXO) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// =============================================================================

func Test_CheckBlockStructure(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.genesis.Hash()
	pay := database.TxOut{Value: 100, Owner: payee}

	type table struct {
		name  string
		build func() database.Block
		err   error
	}

	tt := []table{
		{
			name: "valid",
			build: func() database.Block {
				return mine(t, block(t, parent, 1, 700, spend(t, h.pk, []database.OutPoint{h.genesisOut()}, pay)))
			},
		},
		{
			name: "merkle",
			build: func() database.Block {
				b := block(t, parent, 1, 700)
				b.Header.MerkleRoot = chainhash.DoubleHashH([]byte("wrong"))
				return mine(t, b)
			},
			err: validator.ErrInvalidMerkleRoot,
		},
		{
			name: "notxs",
			build: func() database.Block {
				b := block(t, parent, 1, 700)
				b.Txs = nil
				return mine(t, b)
			},
			err: validator.ErrNoTransactions,
		},
		{
			name: "nocoinbase",
			build: func() database.Block {
				tx := spend(t, h.pk, []database.OutPoint{h.genesisOut()}, pay)
				b, _ := database.NewBlock(parent, now.Unix(), genesis.RegtestBits, []database.Tx{tx})
				return mine(t, b)
			},
			err: validator.ErrBadCoinbase,
		},
		{
			name: "twocoinbase",
			build: func() database.Block {
				extra := database.NewCoinbase(2, []database.TxOut{pay})
				return mine(t, block(t, parent, 1, 700, extra))
			},
			err: validator.ErrBadCoinbase,
		},
		{
			name: "duptx",
			build: func() database.Block {
				tx := spend(t, h.pk, []database.OutPoint{h.genesisOut()}, pay)
				return mine(t, block(t, parent, 1, 700, tx, tx))
			},
			err: validator.ErrDuplicateTransaction,
		},
		{
			name: "dupinput",
			build: func() database.Block {
				tx := spend(t, h.pk, []database.OutPoint{h.genesisOut(), h.genesisOut()}, pay)
				return mine(t, block(t, parent, 1, 700, tx))
			},
			err: validator.ErrDuplicateInput,
		},
		{
			name: "zerovalue",
			build: func() database.Block {
				tx := spend(t, h.pk, []database.OutPoint{h.genesisOut()}, database.TxOut{Value: 0, Owner: payee})
				return mine(t, block(t, parent, 1, 700, tx))
			},
			err: validator.ErrBadOutput,
		},
		{
			name: "future",
			build: func() database.Block {
				b := block(t, parent, 1, 700)
				b.Header.Timestamp = now.Add(3 * time.Hour).Unix()
				return mine(t, b)
			},
			err: validator.ErrTimestampOutOfRange,
		},
		{
			name: "difficulty",
			build: func() database.Block {
				b := block(t, parent, 1, 700)
				b.Header.Bits = 0x2100ffff
				return mine(t, b)
			},
			err: validator.ErrBadDifficulty,
		},
		{
			name: "unsolved",
			build: func() database.Block {
				b := block(t, parent, 1, 700)
				for database.IsHashSolved(b.Header.Bits, b.Hash()) {
					b.Header.Nonce++
				}
				return b
			},
			err: validator.ErrInvalidProofOfWork,
		},
	}

	t.Log("Given the need to check the structure of blocks.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				t.Logf("\tTest %d:\tWhen handling a %s block.", testID, tst.name)
				{
					err := h.v.CheckBlockStructure(tst.build())

					if tst.err == nil {
						if err != nil {
							t.Fatalf("\t%s\tTest %d:\tShould accept the block: %v", failed, testID, err)
						}
						t.Logf("\t%s\tTest %d:\tShould accept the block.", success, testID)
						return
					}

					if !errors.Is(err, tst.err) {
						t.Fatalf("\t%s\tTest %d:\tShould reject the block with %q: got %v", failed, testID, tst.err, err)
					}
					t.Logf("\t%s\tTest %d:\tShould reject the block with %q.", success, testID, tst.err)

					if !validator.IsValidationError(err) {
						t.Fatalf("\t%s\tTest %d:\tShould return a validation error.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould return a validation error.", success, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}

func Test_CheckHeaderContext(t *testing.T) {
	h := newHarness(t, nil)
	prev := []int64{100, 90, 110, 95, 105}

	t.Log("Given the need to check a header against its ancestors.")
	{
		t.Logf("\tTest 0:\tWhen the timestamp is compared to the median time past.")
		{
			if got := validator.MedianTime(prev); got != 100 {
				t.Fatalf("\t%s\tTest 0:\tShould calculate the median: got %d", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould calculate the median.", success)

			err := h.v.CheckHeaderContext(database.BlockHeader{Timestamp: 100}, 6, prev)
			if !errors.Is(err, validator.ErrTimestampOutOfRange) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a timestamp at the median: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a timestamp at the median.", success)

			if ve := validator.GetValidationError(err); ve == nil || ve.DoS != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould not penalize a timestamp failure.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not penalize a timestamp failure.", success)

			if err := h.v.CheckHeaderContext(database.BlockHeader{Timestamp: 101}, 6, prev); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept a timestamp after the median: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept a timestamp after the median.", success)
		}

		t.Logf("\tTest 1:\tWhen a checkpoint is configured.")
		{
			gen := h.gen
			gen.Checkpoints = map[uint64]string{1: chainhash.DoubleHashH([]byte("cp")).String()}
			v := validator.New(validator.Config{Genesis: gen, Ledger: h.ledger, Clock: clock.NewTestClock(now)})

			err := v.CheckHeaderContext(database.BlockHeader{Timestamp: 200}, 1, prev)
			if !errors.Is(err, validator.ErrCheckpointMismatch) {
				t.Fatalf("\t%s\tTest 1:\tShould reject a header off the checkpoint: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould reject a header off the checkpoint.", success)

			if ve := validator.GetValidationError(err); ve.Code != validator.RejectCheckpoint {
				t.Fatalf("\t%s\tTest 1:\tShould use the checkpoint reject code: got %s", failed, ve.Code)
			}
			t.Logf("\t%s\tTest 1:\tShould use the checkpoint reject code.", success)
		}
	}
}

func Test_ConnectBlock(t *testing.T) {
	t.Log("Given the need to apply blocks to the ledger.")
	{
		t.Logf("\tTest 0:\tWhen a block spends an output that does not exist.")
		{
			h := newHarness(t, nil)
			before := snapshot(t, h.ledger)

			missing := database.OutPoint{TxID: chainhash.DoubleHashH([]byte("missing")), Index: 0}
			b := block(t, h.genesis.Hash(), 1, 700, spend(t, h.pk, []database.OutPoint{missing}, database.TxOut{Value: 1, Owner: payee}))

			_, err := h.v.ConnectBlock(b, 1)
			if !errors.Is(err, validator.ErrMissingOrSpentInput) {
				t.Fatalf("\t%s\tTest 0:\tShould reject with a missing input: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject with a missing input.", success)

			if !equal(before, snapshot(t, h.ledger)) {
				t.Fatalf("\t%s\tTest 0:\tShould leave the ledger unchanged.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the ledger unchanged.", success)

			if _, err := h.ledger.Undo(b.Hash()); !errors.Is(err, ledger.ErrNotFound) {
				t.Fatalf("\t%s\tTest 0:\tShould not write an undo record: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould not write an undo record.", success)
		}

		t.Logf("\tTest 1:\tWhen a block makes a valid payment.")
		{
			h := newHarness(t, nil)

			tx := spend(t, h.pk, []database.OutPoint{h.genesisOut()},
				database.TxOut{Value: 600, Owner: payee},
				database.TxOut{Value: 350, Owner: h.owner},
			)
			b := block(t, h.genesis.Hash(), 1, 750, tx)

			undo, err := h.v.ConnectBlock(b, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould connect the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould connect the block.", success)

			if len(undo.Spent) != 1 || undo.Spent[0].OutPoint != h.genesisOut() {
				t.Fatalf("\t%s\tTest 1:\tShould record the spent entry: %+v", failed, undo.Spent)
			}
			t.Logf("\t%s\tTest 1:\tShould record the spent entry.", success)

			if len(undo.Created) != 3 {
				t.Fatalf("\t%s\tTest 1:\tShould record three created outputs: got %d", failed, len(undo.Created))
			}
			t.Logf("\t%s\tTest 1:\tShould record three created outputs.", success)

			if _, err := h.ledger.Entry(h.genesisOut()); !errors.Is(err, ledger.ErrNotFound) {
				t.Fatalf("\t%s\tTest 1:\tShould remove the spent entry: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould remove the spent entry.", success)

			u, err := h.ledger.Entry(database.OutPoint{TxID: tx.ID(), Index: 0})
			if err != nil || u.Value != 600 || u.Owner != payee || u.Height != 1 {
				t.Fatalf("\t%s\tTest 1:\tShould create the payment entry: %+v %v", failed, u, err)
			}
			t.Logf("\t%s\tTest 1:\tShould create the payment entry.", success)

			stored, err := h.ledger.Undo(b.Hash())
			if err != nil || len(stored.Created) != len(undo.Created) {
				t.Fatalf("\t%s\tTest 1:\tShould store the undo record: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould store the undo record.", success)

			again := block(t, b.Hash(), 2, 700, tx)
			if _, err := h.v.ConnectBlock(again, 2); !errors.Is(err, validator.ErrDuplicateTransaction) && !errors.Is(err, validator.ErrMissingOrSpentInput) {
				t.Fatalf("\t%s\tTest 1:\tShould reject spending the output a second time: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould reject spending the output a second time.", success)
		}

		t.Logf("\tTest 2:\tWhen a block breaks a contextual rule.")
		{
			h := newHarness(t, nil)
			otherPK, err := crypto.HexToECDSA(otherHexKey)
			if err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to load the second key: %v", failed, err)
			}

			type table struct {
				name     string
				height   uint64
				cbHeight uint64
				reward   uint64
				txs    []database.Tx
				err    error
			}

			tt := []table{
				{name: "overpay", height: 1, cbHeight: 1, reward: 701, err: validator.ErrBadCoinbase},
				{name: "height", height: 1, cbHeight: 7, reward: 700, err: validator.ErrBadCoinbase},
				{
					name: "negativefee", height: 1, cbHeight: 1, reward: 700,
					txs: []database.Tx{spend(t, h.pk, []database.OutPoint{h.genesisOut()}, database.TxOut{Value: 1001, Owner: payee})},
					err: validator.ErrNegativeFee,
				},
				{
					name: "signature", height: 1, cbHeight: 1, reward: 700,
					txs: []database.Tx{spend(t, otherPK, []database.OutPoint{h.genesisOut()}, database.TxOut{Value: 10, Owner: payee})},
					err: validator.ErrScriptValidationFailed,
				},
			}

			for _, tst := range tt {
				before := snapshot(t, h.ledger)

				cb := database.NewCoinbase(tst.cbHeight, []database.TxOut{{Value: tst.reward, Owner: miner}})
				b, _ := database.NewBlock(h.genesis.Hash(), now.Unix(), genesis.RegtestBits, append([]database.Tx{cb}, tst.txs...))

				if _, err := h.v.ConnectBlock(b, tst.height); !errors.Is(err, tst.err) {
					t.Fatalf("\t%s\tTest 2:\tShould reject the %s block with %q: got %v", failed, tst.name, tst.err, err)
				}
				t.Logf("\t%s\tTest 2:\tShould reject the %s block with %q.", success, tst.name, tst.err)

				if !equal(before, snapshot(t, h.ledger)) {
					t.Fatalf("\t%s\tTest 2:\tShould leave the ledger unchanged by the %s block.", failed, tst.name)
				}
				t.Logf("\t%s\tTest 2:\tShould leave the ledger unchanged by the %s block.", success, tst.name)
			}
		}

		t.Logf("\tTest 3:\tWhen a coinbase output is spent before maturity.")
		{
			h := newHarness(t, nil)
			gen := h.gen
			gen.CoinbaseMaturity = 10
			v := validator.New(validator.Config{Genesis: gen, Ledger: h.ledger, Clock: clock.NewTestClock(now)})

			b := block(t, h.genesis.Hash(), 1, 700, spend(t, h.pk, []database.OutPoint{h.genesisOut()}, database.TxOut{Value: 10, Owner: payee}))
			if _, err := v.ConnectBlock(b, 1); !errors.Is(err, validator.ErrImmatureSpend) {
				t.Fatalf("\t%s\tTest 3:\tShould reject the immature spend: %v", failed, err)
			}
			t.Logf("\t%s\tTest 3:\tShould reject the immature spend.", success)
		}

		t.Logf("\tTest 4:\tWhen a block spends an output it created.")
		{
			h := newHarness(t, nil)

			first := spend(t, h.pk, []database.OutPoint{h.genesisOut()}, database.TxOut{Value: 1000, Owner: h.owner})
			second := spend(t, h.pk, []database.OutPoint{{TxID: first.ID(), Index: 0}}, database.TxOut{Value: 1000, Owner: payee})
			b := block(t, h.genesis.Hash(), 1, 700, first, second)

			undo, err := h.v.ConnectBlock(b, 1)
			if err != nil {
				t.Fatalf("\t%s\tTest 4:\tShould connect the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 4:\tShould connect the block.", success)

			if len(undo.Spent) != 1 || len(undo.Created) != 2 {
				t.Fatalf("\t%s\tTest 4:\tShould net out the intermediate output: spent %d created %d", failed, len(undo.Spent), len(undo.Created))
			}
			t.Logf("\t%s\tTest 4:\tShould net out the intermediate output.", success)
		}
	}
}

func Test_DisconnectBlock(t *testing.T) {
	t.Log("Given the need to revert blocks from the ledger.")
	{
		h := newHarness(t, nil)
		before := snapshot(t, h.ledger)

		tx := spend(t, h.pk, []database.OutPoint{h.genesisOut()}, database.TxOut{Value: 900, Owner: payee})
		b := block(t, h.genesis.Hash(), 1, 800, tx)

		undo, err := h.v.ConnectBlock(b, 1)
		if err != nil {
			t.Fatalf("\t%s\tShould connect the block: %v", failed, err)
		}

		t.Logf("\tTest 0:\tWhen the undo record does not match the ledger.")
		{
			after := snapshot(t, h.ledger)

			bad := database.UndoData{Spent: undo.Spent, Created: append([]database.OutPoint{}, undo.Created...)}
			bad.Created[0].Index = 99

			err := h.v.DisconnectBlock(b, bad)
			if !errors.Is(err, validator.ErrUndoDataMismatch) {
				t.Fatalf("\t%s\tTest 0:\tShould detect the mismatch: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould detect the mismatch.", success)

			if validator.IsValidationError(err) {
				t.Fatalf("\t%s\tTest 0:\tShould not treat corruption as a validation error.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not treat corruption as a validation error.", success)

			if !equal(after, snapshot(t, h.ledger)) {
				t.Fatalf("\t%s\tTest 0:\tShould leave the ledger unchanged.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the ledger unchanged.", success)
		}

		t.Logf("\tTest 1:\tWhen the undo record matches the ledger.")
		{
			if err := h.v.DisconnectBlock(b, undo); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould disconnect the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould disconnect the block.", success)

			if !equal(before, snapshot(t, h.ledger)) {
				t.Fatalf("\t%s\tTest 1:\tShould restore the ledger.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould restore the ledger.", success)

			if _, err := h.ledger.Undo(b.Hash()); !errors.Is(err, ledger.ErrNotFound) {
				t.Fatalf("\t%s\tTest 1:\tShould remove the undo record: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould remove the undo record.", success)
		}
	}
}

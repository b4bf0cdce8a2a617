package state_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage"
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
	pkHexKey  = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	minerA    = "0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8"
	minerB    = "0xF01813E4B85e178A83e29B8E7bF26BD830a25f32"
	easyBits  = genesis.RegtestBits // work 2
	heavyBits = 0x201fffff          // work 8
)

var now = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================

// recorder keeps every event the bus delivers.
type recorder struct {
	mu     sync.Mutex
	events []any
}

type marker struct{ id int }

// sync waits until every event published so far was delivered and returns
// them, leaving the recorder empty.
func (r *recorder) sync(t *testing.T, bus *notify.Bus) []any {
	id := time.Now().Nanosecond()
	if err := bus.Publish(marker{id: id}); err != nil {
		t.Fatalf("\t%s\tShould be able to publish the marker: %v", failed, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for i, e := range r.events {
			if m, ok := e.(marker); ok && m.id == id {
				events := append([]any(nil), r.events[:i]...)
				r.events = r.events[i+1:]
				r.mu.Unlock()
				return events
			}
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("\t%s\tShould receive the published events in time.", failed)
	return nil
}

// chain is a chain store over a memory ledger.
type chain struct {
	st    *state.State
	led   *memory.Memory
	bus   *notify.Bus
	rec   *recorder
	gen   genesis.Genesis
	clk   *clock.TestClock
	pk    *ecdsa.PrivateKey
	owner string
}

func newChain(t *testing.T) *chain {
	return newChainWith(t, nil, nil)
}

// newChainWith lets the test adjust the genesis parameters and put a
// wrapper around the memory ledger the chain store writes to.
func newChainWith(t *testing.T, adjust func(gen *genesis.Genesis), wrap func(led ledger.Storage) ledger.Storage) *chain {
	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to load the private key: %v", failed, err)
	}
	owner := signature.Address(pk)

	gen := genesis.Default()
	gen.Balances = map[string]uint64{owner: 1000}
	if adjust != nil {
		adjust(&gen)
	}

	rec := recorder{}
	bus := notify.New(nil)
	bus.RegisterAll(func(e any) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
	})
	bus.Start()
	t.Cleanup(bus.Stop)

	led := memory.New()
	clk := clock.NewTestClock(now)

	var store ledger.Storage = led
	if wrap != nil {
		store = wrap(led)
	}

	st, err := state.New(state.Config{
		Genesis: gen,
		Ledger:  store,
		Blocks:  led.Blocks(),
		Bus:     bus,
		Clock:   clk,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the chain store: %v", failed, err)
	}

	return &chain{st: st, led: led, bus: bus, rec: &rec, gen: gen, clk: clk, pk: pk, owner: owner}
}

func (c *chain) genesis() database.Block {
	return c.gen.Block()
}

// child mines a block on the parent at the height. The miner makes sibling
// blocks distinct.
func (c *chain) child(t *testing.T, parent chainhash.Hash, height uint64, bits uint32, miner string, txs ...database.Tx) database.Block {
	cb := database.NewCoinbase(height, []database.TxOut{{Value: 700, Owner: miner}})
	ts := c.gen.Date.Unix() + int64(height)*600

	b, err := database.NewBlock(parent, ts, bits, append([]database.Tx{cb}, txs...))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the block: %v", failed, err)
	}

	if err := database.Mine(context.Background(), &b, func(string, ...any) {}); err != nil {
		t.Fatalf("\t%s\tShould be able to mine the block: %v", failed, err)
	}

	return b
}

func (c *chain) emit(t *testing.T, b database.Block, name string) {
	if err := c.st.EmitBlock(b); err != nil {
		t.Fatalf("\t%s\tShould be able to emit block %s: %v", failed, name, err)
	}
	t.Logf("\t%s\tShould be able to emit block %s.", success, name)
}

func (c *chain) snapshot(t *testing.T) map[database.OutPoint]database.UTXO {
	entries := make(map[database.OutPoint]database.UTXO)
	err := c.led.ForEachEntry(func(u database.UTXO) error {
		entries[u.OutPoint] = u
		return nil
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to read the ledger: %v", failed, err)
	}
	return entries
}

// hasCoinbase reports if the ledger holds the coinbase output of the block.
func (c *chain) hasCoinbase(b database.Block) bool {
	_, err := c.led.Entry(database.OutPoint{TxID: b.Txs[0].ID(), Index: 0})
	return err == nil
}

func same(a, b map[database.OutPoint]database.UTXO) bool {
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

func describe(events []any) []string {
	var out []string
	for _, e := range events {
		switch e := e.(type) {
		case notify.Commit:
			out = append(out, fmt.Sprintf("commit:%d:%s", e.Height, e.Block.Hash()))
		case notify.Disconnect:
			out = append(out, fmt.Sprintf("disconnect:%d:%s", e.Height, e.Block.Hash()))
		case notify.AskForBlocks:
			out = append(out, "ask")
		case notify.Reject:
			out = append(out, "reject")
		}
	}
	return out
}

// failingLedger fails the writes selected by the test and passes every
// other write through.
type failingLedger struct {
	ledger.Storage
	mu   sync.Mutex
	fail func(batch ledger.Batch) bool
}

var errDisk = errors.New("disk failure")

func (fl *failingLedger) failWhen(fn func(batch ledger.Batch) bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.fail = fn
}

func (fl *failingLedger) Write(batch ledger.Batch) error {
	fl.mu.Lock()
	fail := fl.fail != nil && fl.fail(batch)
	fl.mu.Unlock()

	if fail {
		return errDisk
	}
	return fl.Storage.Write(batch)
}

// =============================================================================

func Test_Genesis(t *testing.T) {
	t.Log("Given the need to start a chain store on an empty ledger.")
	{
		t.Logf("\tTest 0:\tWhen the store is constructed.")
		{
			c := newChain(t)
			g := c.genesis()

			best := c.st.BestBlock()
			if best.Hash != g.Hash() || best.Height != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould make genesis the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould make genesis the best block.", success)

			if best.Status != database.StatusFullyValidated {
				t.Fatalf("\t%s\tTest 0:\tShould mark genesis fully validated: got %s", failed, best.Status)
			}
			t.Logf("\t%s\tTest 0:\tShould mark genesis fully validated.", success)

			utxos, err := c.st.UTXOsByOwner(c.owner)
			if err != nil || len(utxos) != 1 || utxos[0].Value != 1000 {
				t.Fatalf("\t%s\tTest 0:\tShould issue the genesis balance: %+v %v", failed, utxos, err)
			}
			t.Logf("\t%s\tTest 0:\tShould issue the genesis balance.", success)

			if err := c.st.EmitBlock(g); !errors.Is(err, state.ErrDuplicateBlock) {
				t.Fatalf("\t%s\tTest 0:\tShould report the genesis block as known: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould report the genesis block as known.", success)
		}
	}
}

func Test_ScenarioA(t *testing.T) {
	t.Log("Given two competing blocks with equal work.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a1b := c.child(t, g.Hash(), 1, easyBits, minerB)

		t.Logf("\tTest 0:\tWhen the second block arrives after the first.")
		{
			c.emit(t, a1, "A1")
			c.emit(t, a1b, "A1'")

			if best := c.st.BestBlock(); best.Hash != a1.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep the block seen first: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould keep the block seen first.", success)

			if !c.hasCoinbase(a1) || c.hasCoinbase(a1b) {
				t.Fatalf("\t%s\tTest 0:\tShould reflect only A1 in the ledger.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reflect only A1 in the ledger.", success)

			events := describe(c.rec.sync(t, c.bus))
			if len(events) != 1 || events[0] != fmt.Sprintf("commit:1:%s", a1.Hash()) {
				t.Fatalf("\t%s\tTest 0:\tShould publish one commit for A1: got %v", failed, events)
			}
			t.Logf("\t%s\tTest 0:\tShould publish one commit for A1.", success)
		}
	}
}

func Test_ScenarioB(t *testing.T) {
	t.Log("Given a side chain that overtakes the best chain.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)
		b1 := c.child(t, g.Hash(), 1, easyBits, minerB)
		b2 := c.child(t, b1.Hash(), 2, heavyBits, minerB)

		c.emit(t, a1, "A1")
		c.emit(t, a2, "A2")
		c.rec.sync(t, c.bus)

		t.Logf("\tTest 0:\tWhen the side chain has less work.")
		{
			c.emit(t, b1, "B1")

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep A2 as the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould keep A2 as the best block.", success)
		}

		t.Logf("\tTest 1:\tWhen the side chain gains more work.")
		{
			c.emit(t, b2, "B2")

			best := c.st.BestBlock()
			if best.Hash != b2.Hash() || best.Height != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould make B2 the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 1:\tShould make B2 the best block.", success)

			exp := []string{
				fmt.Sprintf("disconnect:2:%s", a2.Hash()),
				fmt.Sprintf("disconnect:1:%s", a1.Hash()),
				fmt.Sprintf("commit:1:%s", b1.Hash()),
				fmt.Sprintf("commit:2:%s", b2.Hash()),
			}
			got := describe(c.rec.sync(t, c.bus))
			if fmt.Sprint(got) != fmt.Sprint(exp) {
				t.Logf("\t%s\tTest 1:\tgot: %v", failed, got)
				t.Logf("\t%s\tTest 1:\texp: %v", failed, exp)
				t.Fatalf("\t%s\tTest 1:\tShould disconnect A2, A1 and connect B1, B2 in order.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould disconnect A2, A1 and connect B1, B2 in order.", success)

			if c.hasCoinbase(a1) || c.hasCoinbase(a2) || !c.hasCoinbase(b1) || !c.hasCoinbase(b2) {
				t.Fatalf("\t%s\tTest 1:\tShould reflect only B1 and B2 in the ledger.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould reflect only B1 and B2 in the ledger.", success)

			for _, b := range []database.Block{a1, a2} {
				if _, err := c.led.Undo(b.Hash()); !errors.Is(err, ledger.ErrNotFound) {
					t.Fatalf("\t%s\tTest 1:\tShould remove the undo record of %s: %v", failed, b.Hash(), err)
				}
			}
			t.Logf("\t%s\tTest 1:\tShould remove the undo records of the old chain.", success)

			ledgerBest, err := c.led.Best()
			if err != nil || ledgerBest != b2.Hash() {
				t.Fatalf("\t%s\tTest 1:\tShould persist B2 as the best chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould persist B2 as the best chain.", success)

			blk, _, err := c.st.BlockByHeight(1)
			if err != nil || blk.Hash() != b1.Hash() {
				t.Fatalf("\t%s\tTest 1:\tShould answer height queries from the new chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould answer height queries from the new chain.", success)
		}
	}
}

func Test_ScenarioC(t *testing.T) {
	t.Log("Given a block spending an output that is not in the ledger.")
	{
		c := newChain(t)
		g := c.genesis()
		before := c.snapshot(t)

		missing := database.OutPoint{TxID: chainhash.DoubleHashH([]byte("missing")), Index: 0}
		tx := database.Tx{
			Version: 1,
			Inputs:  []database.TxIn{{PrevOut: missing}},
			Outputs: []database.TxOut{{Value: 10, Owner: minerB}},
		}
		bad := c.child(t, g.Hash(), 1, easyBits, minerA, tx)

		t.Logf("\tTest 0:\tWhen the block is emitted.")
		{
			err := c.st.EmitBlock(bad)
			if !errors.Is(err, validator.ErrMissingOrSpentInput) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the block with a missing input: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the block with a missing input.", success)

			if !same(before, c.snapshot(t)) {
				t.Fatalf("\t%s\tTest 0:\tShould leave the ledger unchanged.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the ledger unchanged.", success)

			if best := c.st.BestBlock(); best.Hash != g.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep genesis as the best block.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould keep genesis as the best block.", success)

			events := c.rec.sync(t, c.bus)
			if len(events) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould publish one reject: got %v", failed, describe(events))
			}
			rej, ok := events[0].(notify.Reject)
			if !ok || rej.Hash != bad.Hash() || rej.DoS != 100 {
				t.Fatalf("\t%s\tTest 0:\tShould publish one reject: got %+v", failed, events[0])
			}
			t.Logf("\t%s\tTest 0:\tShould publish one reject.", success)

			if err := c.st.EmitBlock(bad); !errors.Is(err, state.ErrDuplicateBlock) {
				t.Fatalf("\t%s\tTest 0:\tShould remember the block as invalid: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould remember the block as invalid.", success)

			child := c.child(t, bad.Hash(), 2, easyBits, minerA)
			if err := c.st.EmitBlock(child); !errors.Is(err, validator.ErrInvalidAncestor) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a child of the invalid block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a child of the invalid block.", success)
		}
	}
}

func Test_ScenarioD(t *testing.T) {
	t.Log("Given a block whose parent is not known.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)

		t.Logf("\tTest 0:\tWhen the orphan is emitted.")
		{
			if err := c.st.EmitBlock(a2); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the orphan without an error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept the orphan without an error.", success)

			if best := c.st.BestBlock(); best.Hash != g.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould leave the best block unchanged.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the best block unchanged.", success)

			if !c.st.HaveBlock(a2.Hash()) {
				t.Fatalf("\t%s\tTest 0:\tShould hold on to the orphan.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould hold on to the orphan.", success)

			events := c.rec.sync(t, c.bus)
			if len(events) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould publish exactly one event: got %v", failed, describe(events))
			}
			ask, ok := events[0].(notify.AskForBlocks)
			if !ok || ask.Originator != a2.Hash() || ask.Target != a1.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould ask for the missing parent: got %+v", failed, events[0])
			}
			t.Logf("\t%s\tTest 0:\tShould ask for the missing parent.", success)

			if err := c.st.EmitBlock(a2); !errors.Is(err, state.ErrDuplicateBlock) {
				t.Fatalf("\t%s\tTest 0:\tShould not ask twice for the same orphan: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould not ask twice for the same orphan.", success)
		}

		t.Logf("\tTest 1:\tWhen the missing parent arrives.")
		{
			c.emit(t, a1, "A1")

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 1:\tShould connect the orphan: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 1:\tShould connect the orphan.", success)

			exp := []string{
				fmt.Sprintf("commit:1:%s", a1.Hash()),
				fmt.Sprintf("commit:2:%s", a2.Hash()),
			}
			if got := describe(c.rec.sync(t, c.bus)); fmt.Sprint(got) != fmt.Sprint(exp) {
				t.Fatalf("\t%s\tTest 1:\tShould commit both blocks in order: got %v", failed, got)
			}
			t.Logf("\t%s\tTest 1:\tShould commit both blocks in order.", success)
		}
	}
}

func Test_OrphanExpiry(t *testing.T) {
	t.Log("Given an orphan that waits too long for its parent.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)

		t.Logf("\tTest 0:\tWhen the parent arrives after the orphan expired.")
		{
			c.emit(t, a2, "A2")
			c.clk.SetTime(now.Add(state.DefaultOrphanTTL + time.Minute))
			c.emit(t, a1, "A1")

			if best := c.st.BestBlock(); best.Hash != a1.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould not connect the expired orphan: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould not connect the expired orphan.", success)

			if c.st.HaveBlock(a2.Hash()) {
				t.Fatalf("\t%s\tTest 0:\tShould drop the expired orphan.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould drop the expired orphan.", success)
		}
	}
}

func Test_ReorgAtomicity(t *testing.T) {
	t.Log("Given a heavier side chain holding an invalid block.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)
		c.emit(t, a1, "A1")
		c.emit(t, a2, "A2")

		missing := database.OutPoint{TxID: chainhash.DoubleHashH([]byte("missing")), Index: 0}
		tx := database.Tx{
			Version: 1,
			Inputs:  []database.TxIn{{PrevOut: missing}},
			Outputs: []database.TxOut{{Value: 10, Owner: minerB}},
		}

		b1 := c.child(t, g.Hash(), 1, easyBits, minerB)
		b2 := c.child(t, b1.Hash(), 2, heavyBits, minerB, tx)

		c.emit(t, b1, "B1")
		before := c.snapshot(t)
		c.rec.sync(t, c.bus)

		t.Logf("\tTest 0:\tWhen the reorganization fails part way.")
		{
			err := c.st.EmitBlock(b2)
			if !errors.Is(err, validator.ErrMissingOrSpentInput) {
				t.Fatalf("\t%s\tTest 0:\tShould return the validation error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould return the validation error.", success)

			if state.IsFatal(err) {
				t.Fatalf("\t%s\tTest 0:\tShould not treat the failure as fatal.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not treat the failure as fatal.", success)

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep A2 as the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould keep A2 as the best block.", success)

			if !same(before, c.snapshot(t)) {
				t.Fatalf("\t%s\tTest 0:\tShould restore the ledger of the old chain.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould restore the ledger of the old chain.", success)

			ledgerBest, err := c.led.Best()
			if err != nil || ledgerBest != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould persist A2 as the best chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould persist A2 as the best chain.", success)

			for _, e := range c.rec.sync(t, c.bus) {
				if _, ok := e.(notify.Commit); ok {
					t.Fatalf("\t%s\tTest 0:\tShould not publish commits for a failed reorganization.", failed)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould not publish commits for a failed reorganization.", success)

			if c.st.Frozen() != nil {
				t.Fatalf("\t%s\tTest 0:\tShould not freeze the store.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not freeze the store.", success)
		}
	}
}

func Test_Frozen(t *testing.T) {
	t.Log("Given a ledger that lost an undo record.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		b1 := c.child(t, g.Hash(), 1, easyBits, minerB)
		b2 := c.child(t, b1.Hash(), 2, easyBits, minerB)
		c.emit(t, a1, "A1")
		c.emit(t, b1, "B1")

		if err := c.led.Write(ledger.Batch{DeleteUndo: []chainhash.Hash{a1.Hash()}}); err != nil {
			t.Fatalf("\t%s\tShould be able to remove the undo record: %v", failed, err)
		}

		t.Logf("\tTest 0:\tWhen a reorganization needs the record.")
		{
			err := c.st.EmitBlock(b2)
			if !state.IsFatal(err) || !errors.Is(err, state.ErrFrozen) {
				t.Fatalf("\t%s\tTest 0:\tShould freeze the store: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould freeze the store.", success)

			if best := c.st.BestBlock(); best.Hash != a1.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould not move the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould not move the best block.", success)
		}

		t.Logf("\tTest 1:\tWhen another block is emitted.")
		{
			next := c.child(t, a1.Hash(), 2, easyBits, minerA)
			if err := c.st.EmitBlock(next); !errors.Is(err, state.ErrFrozen) {
				t.Fatalf("\t%s\tTest 1:\tShould refuse the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould refuse the block.", success)
		}
	}
}

func Test_HeadersFirst(t *testing.T) {
	t.Log("Given headers that arrive before their blocks.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)

		t.Logf("\tTest 0:\tWhen only the headers are known.")
		{
			for _, b := range []database.Block{a1, a2} {
				if err := c.st.AcceptHeader(b.Header); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould accept the header: %v", failed, err)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould accept the headers.", success)

			if h := c.st.BestHeader(); h.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould report A2 as the best header: got %s", failed, h.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould report A2 as the best header.", success)

			if best := c.st.BestBlock(); best.Hash != g.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould not move the best block without payloads.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not move the best block without payloads.", success)
		}

		t.Logf("\tTest 1:\tWhen the payloads arrive.")
		{
			c.emit(t, a1, "A1")
			c.emit(t, a2, "A2")

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 1:\tShould make A2 the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 1:\tShould make A2 the best block.", success)
		}

		t.Logf("\tTest 2:\tWhen a header has no known parent.")
		{
			orphan := c.child(t, chainhash.DoubleHashH([]byte("unknown")), 9, easyBits, minerA)
			if err := c.st.AcceptHeader(orphan.Header); err == nil {
				t.Fatalf("\t%s\tTest 2:\tShould refuse the header.", failed)
			}
			t.Logf("\t%s\tTest 2:\tShould refuse the header.", success)
		}
	}
}

func Test_MineNewBlock(t *testing.T) {
	t.Log("Given the need to mine a block with a payment.")
	{
		c := newChain(t)
		g := c.genesis()
		gout := database.OutPoint{TxID: g.Txs[0].ID(), Index: 0}

		tx := database.Tx{
			Version: 1,
			Inputs:  []database.TxIn{{PrevOut: gout}},
			Outputs: []database.TxOut{{Value: 900, Owner: minerB}},
		}
		sig, err := signature.Sign(tx.SigHash(0), c.pk)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign the transaction: %v", failed, err)
		}
		tx.Inputs[0].Signature = sig

		t.Logf("\tTest 0:\tWhen the block is mined on the best chain.")
		{
			block, err := c.st.MineNewBlock(context.Background(), minerA, []database.Tx{tx})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to mine the block.", success)

			if best := c.st.BestBlock(); best.Hash != block.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould make the mined block the best block.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould make the mined block the best block.", success)

			u, err := c.st.UTXO(database.OutPoint{TxID: block.Txs[0].ID(), Index: 0})
			if err != nil || u.Value != c.gen.MiningReward+100 {
				t.Fatalf("\t%s\tTest 0:\tShould pay the reward and the fees: %+v %v", failed, u, err)
			}
			t.Logf("\t%s\tTest 0:\tShould pay the reward and the fees.", success)

			if _, err := c.st.UTXO(gout); !errors.Is(err, state.ErrNotFound) {
				t.Fatalf("\t%s\tTest 0:\tShould spend the genesis output: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould spend the genesis output.", success)
		}
	}
}

func Test_Locator(t *testing.T) {
	t.Log("Given the need to sync a peer from a locator.")
	{
		c := newChain(t)
		g := c.genesis()

		blocks := []database.Block{g}
		for h := uint64(1); h <= 15; h++ {
			b := c.child(t, blocks[h-1].Hash(), h, easyBits, minerA)
			c.emit(t, b, fmt.Sprint(h))
			blocks = append(blocks, b)
		}

		t.Logf("\tTest 0:\tWhen the locator is built.")
		{
			loc := c.st.Locator()
			if loc[0] != blocks[15].Hash() || loc[len(loc)-1] != g.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould run from the head to genesis.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould run from the head to genesis.", success)

			if len(loc) >= 16 {
				t.Fatalf("\t%s\tTest 0:\tShould space out older hashes: got %d", failed, len(loc))
			}
			t.Logf("\t%s\tTest 0:\tShould space out older hashes.", success)
		}

		t.Logf("\tTest 1:\tWhen a peer at height 10 asks for blocks.")
		{
			peerLoc := []chainhash.Hash{chainhash.DoubleHashH([]byte("theirs")), blocks[10].Hash(), g.Hash()}

			got, err := c.st.BlocksAfter(peerLoc, chainhash.Hash{}, 3)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to read the blocks: %v", failed, err)
			}

			if len(got) != 3 || got[0].Hash() != blocks[11].Hash() || got[2].Hash() != blocks[13].Hash() {
				t.Fatalf("\t%s\tTest 1:\tShould return blocks 11 to 13.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould return blocks 11 to 13.", success)
		}
	}
}

func Test_LoadBlockIndex(t *testing.T) {
	t.Log("Given a chain store persisted to disk.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)
		b1 := c.child(t, g.Hash(), 1, easyBits, minerB)

		dir := t.TempDir()
		open := func(readOnly bool) *state.State {
			stg, err := storage.Open(storage.Config{
				Backend:  storage.BackendBolt,
				DBPath:   filepath.Join(dir, "ledger.db"),
				ReadOnly: readOnly,
			})
			if err != nil {
				t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
			}

			st, err := state.New(state.Config{
				Genesis:  c.gen,
				Ledger:   stg.Ledger,
				Blocks:   stg.Blocks,
				Clock:    c.clk,
				ReadOnly: readOnly,
			})
			if err != nil {
				stg.Close()
				t.Fatalf("\t%s\tShould be able to load the chain store: %v", failed, err)
			}
			return st
		}

		st := open(false)
		for _, b := range []database.Block{a1, b1, a2} {
			if err := st.EmitBlock(b); err != nil {
				t.Fatalf("\t%s\tShould be able to emit the block: %v", failed, err)
			}
		}
		before := st.Status()
		if err := st.Shutdown(); err != nil {
			t.Fatalf("\t%s\tShould be able to shut down: %v", failed, err)
		}

		t.Logf("\tTest 0:\tWhen the store is reopened.")
		{
			st := open(false)

			best := st.BestBlock()
			if best.Hash != a2.Hash() || best.Status != database.StatusFullyValidated {
				t.Fatalf("\t%s\tTest 0:\tShould restore A2 as the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould restore A2 as the best block.", success)

			if after := st.Status(); after.Blocks != before.Blocks {
				t.Fatalf("\t%s\tTest 0:\tShould restore every block: got %d, exp %d", failed, after.Blocks, before.Blocks)
			}
			t.Logf("\t%s\tTest 0:\tShould restore every block.", success)

			if blk, _, err := st.BlockByHash(b1.Hash()); err != nil || blk.Hash() != b1.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep the side chain payload: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould keep the side chain payload.", success)

			a3 := c.child(t, a2.Hash(), 3, easyBits, minerA)
			if err := st.EmitBlock(a3); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to extend the chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to extend the chain.", success)

			if err := st.Shutdown(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to shut down: %v", failed, err)
			}
		}

		t.Logf("\tTest 1:\tWhen the store is reopened read only.")
		{
			st := open(true)
			defer st.Shutdown()

			if best := st.BestBlock(); best.Height != 3 {
				t.Fatalf("\t%s\tTest 1:\tShould restore the extended chain: got %d", failed, best.Height)
			}
			t.Logf("\t%s\tTest 1:\tShould restore the extended chain.", success)

			a4 := c.child(t, st.BestBlock().Hash, 4, easyBits, minerA)
			if err := st.EmitBlock(a4); !errors.Is(err, ledger.ErrReadOnly) {
				t.Fatalf("\t%s\tTest 1:\tShould refuse to change the chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould refuse to change the chain.", success)
		}
	}
}

func Test_Verify(t *testing.T) {
	t.Log("Given the need to check the stored chain state.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)
		c.emit(t, a1, "A1")
		c.emit(t, a2, "A2")

		t.Logf("\tTest 0:\tWhen the ledger is consistent.")
		{
			rep, err := c.st.Verify()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to verify: %v", failed, err)
			}

			if !rep.OK() || rep.Blocks != 3 || rep.Best != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould find no problem in 3 blocks: got %d blocks: %v", failed, rep.Blocks, rep.Problems)
			}
			t.Logf("\t%s\tTest 0:\tShould find no problem in 3 blocks.", success)
		}

		t.Logf("\tTest 1:\tWhen an undo record and an entry are damaged.")
		{
			stray := database.UTXO{
				OutPoint: database.OutPoint{TxID: chainhash.DoubleHashH([]byte("stray")), Index: 0},
				Value:    5,
				Owner:    minerB,
				Height:   1,
			}

			batch := ledger.Batch{
				DeleteUndo: []chainhash.Hash{a1.Hash()},
				Create:     []database.UTXO{stray},
			}
			if err := c.led.Write(batch); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to damage the ledger: %v", failed, err)
			}

			rep, err := c.st.Verify()
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to verify: %v", failed, err)
			}

			if len(rep.Problems) != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould report both problems: got %v", failed, rep.Problems)
			}
			t.Logf("\t%s\tTest 1:\tShould report both problems.", success)
		}
	}
}

func Test_Reorganize(t *testing.T) {
	t.Log("Given the need to move the best chain on request.")
	{
		c := newChain(t)
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)
		c.emit(t, a1, "A1")
		c.emit(t, a2, "A2")
		before := c.snapshot(t)
		c.rec.sync(t, c.bus)

		t.Logf("\tTest 0:\tWhen the target is an ancestor of the best block.")
		{
			err := c.st.Reorganize(a1.Hash())
			if !errors.Is(err, state.ErrNotBetter) {
				t.Fatalf("\t%s\tTest 0:\tShould refuse to move to less work: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould refuse to move to less work.", success)

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep A2 as the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould keep A2 as the best block.", success)

			if !same(before, c.snapshot(t)) {
				t.Fatalf("\t%s\tTest 0:\tShould leave the ledger unchanged.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the ledger unchanged.", success)

			if events := c.rec.sync(t, c.bus); len(events) != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould publish nothing: got %v", failed, describe(events))
			}
			t.Logf("\t%s\tTest 0:\tShould publish nothing.", success)
		}

		t.Logf("\tTest 1:\tWhen the target is the best block or unknown.")
		{
			if err := c.st.Reorganize(a2.Hash()); !errors.Is(err, state.ErrNotBetter) {
				t.Fatalf("\t%s\tTest 1:\tShould refuse the current best block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould refuse the current best block.", success)

			unknown := chainhash.DoubleHashH([]byte("unknown"))
			if err := c.st.Reorganize(unknown); !errors.Is(err, index.ErrUnknownBlock) {
				t.Fatalf("\t%s\tTest 1:\tShould refuse an unknown block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould refuse an unknown block.", success)
		}

		t.Logf("\tTest 2:\tWhen the best chain is already the best candidate.")
		{
			if err := c.st.SetBestChain(); err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to select the best chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 2:\tShould be able to select the best chain.", success)

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 2:\tShould keep A2 as the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 2:\tShould keep A2 as the best block.", success)
		}
	}

	t.Log("Given a checkpoint inside the best chain.")
	{
		base := newChain(t)
		g := base.genesis()

		a1 := base.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := base.child(t, a1.Hash(), 2, easyBits, minerA)
		a3 := base.child(t, a2.Hash(), 3, easyBits, minerA)

		c := newChainWith(t, func(gen *genesis.Genesis) {
			gen.Checkpoints = map[uint64]string{2: a2.Hash().String()}
		}, nil)

		if c.genesis().Hash() != g.Hash() {
			t.Fatalf("\t%s\tShould share the genesis block.", failed)
		}

		c.emit(t, a1, "A1")
		c.emit(t, a2, "A2")
		c.emit(t, a3, "A3")

		t.Logf("\tTest 0:\tWhen the target lies below the checkpoint.")
		{
			var err error
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.Fatalf("\t%s\tTest 0:\tShould not panic: %v", failed, r)
					}
				}()
				err = c.st.Reorganize(a1.Hash())
			}()

			if !errors.Is(err, state.ErrNotBetter) {
				t.Fatalf("\t%s\tTest 0:\tShould refuse to move to less work: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould refuse to move to less work.", success)

			if best := c.st.BestBlock(); best.Hash != a3.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould keep A3 as the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould keep A3 as the best block.", success)

			next := c.child(t, a3.Hash(), 4, easyBits, minerA)
			c.emit(t, next, "A4")
		}
	}
}

func Test_RollbackFailure(t *testing.T) {
	t.Log("Given a ledger that fails while a reorganization is rolled back.")
	{
		var fl *failingLedger
		c := newChainWith(t, nil, func(led ledger.Storage) ledger.Storage {
			fl = &failingLedger{Storage: led}
			return fl
		})
		g := c.genesis()

		a1 := c.child(t, g.Hash(), 1, easyBits, minerA)
		a2 := c.child(t, a1.Hash(), 2, easyBits, minerA)
		c.emit(t, a1, "A1")
		c.emit(t, a2, "A2")

		missing := database.OutPoint{TxID: chainhash.DoubleHashH([]byte("missing")), Index: 0}
		tx := database.Tx{
			Version: 1,
			Inputs:  []database.TxIn{{PrevOut: missing}},
			Outputs: []database.TxOut{{Value: 10, Owner: minerB}},
		}

		b1 := c.child(t, g.Hash(), 1, easyBits, minerB)
		b2 := c.child(t, b1.Hash(), 2, heavyBits, minerB, tx)
		c.emit(t, b1, "B1")
		c.rec.sync(t, c.bus)

		// Reconnecting A1 is the first step that writes its undo record again.
		fl.failWhen(func(batch ledger.Batch) bool {
			_, reconnect := batch.PutUndo[a1.Hash()]
			return reconnect
		})

		t.Logf("\tTest 0:\tWhen B2 fails validation and A1 can't be reconnected.")
		{
			err := c.st.EmitBlock(b2)
			if !errors.Is(err, state.ErrRollbackFailed) || !errors.Is(err, errDisk) {
				t.Fatalf("\t%s\tTest 0:\tShould report the rollback failure: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould report the rollback failure.", success)

			if !state.IsFatal(err) || !errors.Is(err, state.ErrFrozen) {
				t.Fatalf("\t%s\tTest 0:\tShould treat the failure as fatal: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould treat the failure as fatal.", success)

			if c.st.Frozen() == nil {
				t.Fatalf("\t%s\tTest 0:\tShould freeze the store.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould freeze the store.", success)

			if best := c.st.BestBlock(); best.Hash != a2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould not move the best block: got %s", failed, best.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould not move the best block.", success)

			for _, e := range c.rec.sync(t, c.bus) {
				if _, ok := e.(notify.Commit); ok {
					t.Fatalf("\t%s\tTest 0:\tShould not publish commits.", failed)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould not publish commits.", success)
		}

		t.Logf("\tTest 1:\tWhen more changes are asked of the frozen store.")
		{
			fl.failWhen(nil)

			next := c.child(t, a2.Hash(), 3, easyBits, minerA)
			if err := c.st.EmitBlock(next); !errors.Is(err, state.ErrFrozen) {
				t.Fatalf("\t%s\tTest 1:\tShould refuse new blocks: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould refuse new blocks.", success)

			if err := c.st.SetBestChain(); !errors.Is(err, state.ErrFrozen) {
				t.Fatalf("\t%s\tTest 1:\tShould refuse to select a chain: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould refuse to select a chain.", success)
		}
	}
}

func Test_ConcurrentEmit(t *testing.T) {
	t.Log("Given several producers emitting the same chain at once.")
	{
		c := newChain(t)
		g := c.genesis()

		const length = 6
		blocks := make([]database.Block, 0, length)
		parent := g.Hash()
		for h := uint64(1); h <= length; h++ {
			b := c.child(t, parent, h, easyBits, minerA)
			blocks = append(blocks, b)
			parent = b.Hash()
		}

		t.Logf("\tTest 0:\tWhen every producer emits every block in order.")
		{
			const producers = 8

			var wg sync.WaitGroup
			errs := make(chan error, producers*length)

			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for _, b := range blocks {
						if err := c.st.EmitBlock(b); err != nil && !state.IsDuplicate(err) {
							errs <- err
						}
					}
				}()
			}

			wg.Wait()
			close(errs)

			for err := range errs {
				t.Fatalf("\t%s\tTest 0:\tShould only see duplicates from the other producers: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould only see duplicates from the other producers.", success)

			best := c.st.BestBlock()
			if best.Hash != parent || best.Height != length {
				t.Fatalf("\t%s\tTest 0:\tShould end on the last block: got %s at %d", failed, best.Hash, best.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould end on the last block.", success)

			var exp []string
			for i, b := range blocks {
				exp = append(exp, fmt.Sprintf("commit:%d:%s", i+1, b.Hash()))
			}
			if got := describe(c.rec.sync(t, c.bus)); fmt.Sprint(got) != fmt.Sprint(exp) {
				t.Logf("\t%s\tTest 0:\tgot: %v", failed, got)
				t.Logf("\t%s\tTest 0:\texp: %v", failed, exp)
				t.Fatalf("\t%s\tTest 0:\tShould publish one commit per block in chain order.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould publish one commit per block in chain order.", success)
		}
	}
}

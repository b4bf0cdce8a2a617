package public

import (
	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/ardanlabs/blockstore/foundation/nameservice"
)

type output struct {
	Value uint64 `json:"value"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type input struct {
	TxID  string `json:"txid"`
	Index uint32 `json:"index"`
}

type tx struct {
	ID       string   `json:"id"`
	Coinbase bool     `json:"coinbase"`
	Inputs   []input  `json:"inputs"`
	Outputs  []output `json:"outputs"`
}

type block struct {
	Hash       string `json:"hash"`
	PrevBlock  string `json:"prev_block"`
	MerkleRoot string `json:"merkle_root"`
	Height     uint64 `json:"height"`
	Work       string `json:"work"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
	Bits       uint32 `json:"bits"`
	Nonce      uint32 `json:"nonce"`
	Txs        []tx   `json:"txs,omitempty"`
}

type utxo struct {
	TxID     string `json:"txid"`
	Index    uint32 `json:"index"`
	Value    uint64 `json:"value"`
	Height   uint64 `json:"height"`
	Coinbase bool   `json:"coinbase"`
}

type utxoInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	BestBlock string `json:"best_block"`
	Balance   uint64 `json:"balance"`
	UTXOs     []utxo `json:"utxos"`
}

// =============================================================================

func toBlock(ns *nameservice.NameService, n index.Node, blk database.Block) block {
	b := block{
		Hash:       n.Hash.String(),
		PrevBlock:  n.Header.PrevBlock.String(),
		MerkleRoot: n.Header.MerkleRoot.String(),
		Height:     n.Height,
		Work:       n.Work.Hex(),
		Status:     n.Status.String(),
		Timestamp:  n.Header.Timestamp,
		Bits:       n.Header.Bits,
		Nonce:      n.Header.Nonce,
	}

	for _, t := range blk.Txs {
		vt := tx{
			ID:       t.ID().String(),
			Coinbase: t.IsCoinbase(),
		}

		if !vt.Coinbase {
			for _, in := range t.Inputs {
				vt.Inputs = append(vt.Inputs, input{TxID: in.PrevOut.TxID.String(), Index: in.PrevOut.Index})
			}
		}

		for _, out := range t.Outputs {
			vt.Outputs = append(vt.Outputs, output{Value: out.Value, Owner: out.Owner, Name: ns.Lookup(out.Owner)})
		}

		b.Txs = append(b.Txs, vt)
	}

	return b
}

package cmd

import (
	"fmt"
	"strconv"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/spf13/cobra"
)

var blockCmd = &cobra.Command{
	Use:   "block <hash|height>",
	Short: "Print a block by hash or by best chain height.",
	Args:  cobra.ExactArgs(1),
	RunE:  blockRun,
}

func init() {
	rootCmd.AddCommand(blockCmd)
}

func blockRun(cmd *cobra.Command, args []string) error {
	st, err := openState(true)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	var block database.Block
	var n index.Node

	switch height, perr := strconv.ParseUint(args[0], 10, 64); {
	case perr == nil:
		block, n, err = st.BlockByHeight(height)

	default:
		hash, herr := chainhash.NewHashFromStr(args[0])
		if herr != nil {
			return fmt.Errorf("%q is neither a height nor a hash: %w", args[0], herr)
		}
		block, n, err = st.BlockByHash(*hash)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Block:      %s\n", n.Hash)
	fmt.Printf("Height:     %d\n", n.Height)
	fmt.Printf("Status:     %s\n", n.Status)
	fmt.Printf("PrevBlock:  %s\n", block.Header.PrevBlock)
	fmt.Printf("MerkleRoot: %s\n", block.Header.MerkleRoot)
	fmt.Printf("Timestamp:  %d\n", block.Header.Timestamp)
	fmt.Printf("Bits:       %#08x\n", block.Header.Bits)
	fmt.Printf("Nonce:      %d\n", block.Header.Nonce)
	fmt.Printf("Work:       %s\n\n", n.Work.Hex())

	for _, tx := range block.Txs {
		fmt.Printf("Tx: %s coinbase[%v]\n", tx.ID(), tx.IsCoinbase())
		if !tx.IsCoinbase() {
			for _, in := range tx.Inputs {
				fmt.Printf("  in:  %s\n", in.PrevOut)
			}
		}
		for i, out := range tx.Outputs {
			fmt.Printf("  out: %d %s %d\n", i, out.Owner, out.Value)
		}
	}

	return nil
}

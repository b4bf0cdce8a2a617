package cmd

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	sendFrom  string
	sendValue uint64
	sendFee   uint64
)

var sendCmd = &cobra.Command{
	Use:   "send <to>",
	Short: "Mine a block holding a payment signed by an account key.",
	Args:  cobra.ExactArgs(1),
	RunE:  sendRun,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendFrom, "from", "f", "", "Account key paying the value.")
	sendCmd.Flags().Uint64VarP(&sendValue, "value", "a", 0, "Value to send.")
	sendCmd.Flags().Uint64Var(&sendFee, "fee", 0, "Fee paid to the miner.")
	sendCmd.MarkFlagRequired("from")
}

func sendRun(cmd *cobra.Command, args []string) error {
	to, err := resolveAddress(args[0])
	if err != nil {
		return err
	}

	privateKey, err := crypto.LoadECDSA(privateKeyPath(sendFrom))
	if err != nil {
		return err
	}
	from := signature.Address(privateKey)

	if sendValue == 0 {
		return errors.New("value must be greater than zero")
	}

	st, err := openState(false)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	utxos, err := st.UTXOsByOwner(from)
	if err != nil {
		return err
	}

	// Spend the oldest outputs first until the value and fee are covered.
	need := sendValue + sendFee
	tx := database.Tx{Version: 1}

	var have uint64
	for _, u := range utxos {
		if have >= need {
			break
		}
		tx.Inputs = append(tx.Inputs, database.TxIn{PrevOut: u.OutPoint})
		have += u.Value
	}

	if have < need {
		return fmt.Errorf("%s holds %d, needs %d", from, have, need)
	}

	tx.Outputs = append(tx.Outputs, database.TxOut{Value: sendValue, Owner: to})
	if change := have - need; change > 0 {
		tx.Outputs = append(tx.Outputs, database.TxOut{Value: change, Owner: from})
	}

	for i := range tx.Inputs {
		sig, err := signature.Sign(tx.SigHash(i), privateKey)
		if err != nil {
			return fmt.Errorf("signing input %d: %w", i, err)
		}
		tx.Inputs[i].Signature = sig
	}

	block, err := st.MineNewBlock(cmd.Context(), from, []database.Tx{tx})
	if err != nil {
		return err
	}

	fmt.Printf("Tx:    %s\n", tx.ID())
	fmt.Printf("Block: %s height[%d]\n", block.Hash(), st.BestBlock().Height)

	return nil
}

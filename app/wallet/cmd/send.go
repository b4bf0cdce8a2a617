package cmd

import (
	"errors"
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	privateURL string
	to         string
	value      uint64
	fee        uint64
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a payment and ask the node to mine it",
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			return err
		}
		from := signature.Address(privateKey)

		toAddress, err := database.ToAddress(to)
		if err != nil {
			return err
		}

		if value == 0 {
			return errors.New("value must be greater than zero")
		}

		info, err := queryUTXOs(cmd.Context(), url, from)
		if err != nil {
			return err
		}

		// Spend the oldest outputs first until the value and fee are covered.
		need := value + fee
		tx := database.Tx{Version: 1}

		var have uint64
		for _, u := range info.UTXOs {
			if have >= need {
				break
			}

			txID, err := chainhash.NewHashFromStr(u.TxID)
			if err != nil {
				return err
			}

			tx.Inputs = append(tx.Inputs, database.TxIn{PrevOut: database.OutPoint{TxID: *txID, Index: u.Index}})
			have += u.Value
		}

		if have < need {
			return fmt.Errorf("%s holds %d, needs %d", from, have, need)
		}

		tx.Outputs = append(tx.Outputs, database.TxOut{Value: value, Owner: toAddress})
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

		hash, err := mine(cmd.Context(), privateURL, []database.Tx{tx})
		if err != nil {
			return err
		}

		fmt.Println("Tx:   ", tx.ID())
		fmt.Println("Block:", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
	sendCmd.Flags().StringVar(&privateURL, "private-url", "http://localhost:9080", "Url of the node private API.")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Address to pay.")
	sendCmd.MarkFlagRequired("to")
	sendCmd.Flags().Uint64VarP(&value, "value", "v", 0, "Value to send.")
	sendCmd.Flags().Uint64VarP(&fee, "fee", "c", 0, "Fee paid to the miner.")
}

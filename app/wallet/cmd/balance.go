package cmd

import (
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var url string

// balanceCmd represents the balance command
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print your balance.",
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			return err
		}

		address := signature.Address(privateKey)
		fmt.Println("For Address:", address)

		info, err := queryUTXOs(cmd.Context(), url, address)
		if err != nil {
			return err
		}

		fmt.Println("Best Block: ", info.BestBlock)
		fmt.Println("Outputs:    ", len(info.UTXOs))
		fmt.Println("Balance:    ", info.Balance)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
}

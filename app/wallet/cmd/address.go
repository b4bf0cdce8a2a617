package cmd

import (
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// addressCmd represents the address command
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print address for the specific wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			return err
		}
		fmt.Println(signature.Address(privateKey))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
}

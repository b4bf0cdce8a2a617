package cmd

import (
	"fmt"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var utxosCmd = &cobra.Command{
	Use:   "utxos <address|account>",
	Short: "Print the unspent outputs of an address or of a named account key.",
	Args:  cobra.ExactArgs(1),
	RunE:  utxosRun,
}

func init() {
	rootCmd.AddCommand(utxosCmd)
}

func utxosRun(cmd *cobra.Command, args []string) error {
	address, err := resolveAddress(args[0])
	if err != nil {
		return err
	}

	st, err := openState(true)
	if err != nil {
		return err
	}
	defer st.Shutdown()

	list, err := st.UTXOsByOwner(address)
	if err != nil {
		return err
	}

	fmt.Println("Address:", address)
	fmt.Println("Best:   ", st.BestBlock().Hash)
	fmt.Print("\n")

	var total uint64
	for _, u := range list {
		fmt.Printf("%s  height[%d]  coinbase[%v]  value[%d]\n", u.OutPoint, u.Height, u.Coinbase, u.Value)
		total += u.Value
	}

	fmt.Printf("\nBalance: %d\n", total)

	return nil
}

// resolveAddress accepts an address or the name of a key file in the
// account path.
func resolveAddress(s string) (string, error) {
	if database.IsAddress(s) {
		return database.ToAddress(s)
	}

	privateKey, err := crypto.LoadECDSA(privateKeyPath(s))
	if err != nil {
		return "", fmt.Errorf("%q is neither an address nor an account: %w", s, err)
	}

	return signature.Address(privateKey), nil
}

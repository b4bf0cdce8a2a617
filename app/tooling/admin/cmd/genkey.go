package cmd

import (
	"fmt"
	"os"

	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey <account>",
	Short: "Generate a new key pair in the account path.",
	Args:  cobra.ExactArgs(1),
	RunE:  genkeyRun,
}

func init() {
	rootCmd.AddCommand(genkeyCmd)
}

func genkeyRun(cmd *cobra.Command, args []string) error {
	path := privateKeyPath(args[0])

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}

	if err := os.MkdirAll(accountPath, 0755); err != nil {
		return err
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}

	if err := crypto.SaveECDSA(path, privateKey); err != nil {
		return err
	}

	fmt.Println("Key:    ", path)
	fmt.Println("Address:", signature.Address(privateKey))

	return nil
}

// Package cmd contains wallet app
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	privateKeyName string
	walletPath     string
)

const (
	keyExtension = ".ecdsa"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "wallet",
	Short:        "Your simple wallet",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&privateKeyName, "wallet", "w", "private.ecdsa", "Path to the private key.")
	rootCmd.PersistentFlags().StringVarP(&walletPath, "wallet-path", "p", "zblock/accounts/", "Path to the directory with private keys.")
}

func getPrivateKeyPath() string {
	if !strings.HasSuffix(privateKeyName, keyExtension) {
		privateKeyName += keyExtension
	}
	return filepath.Join(walletPath, privateKeyName)
}

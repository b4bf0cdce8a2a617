// Package cmd contains the admin commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage"
	"github.com/ardanlabs/blockstore/foundation/logger"
	"github.com/spf13/cobra"
)

var (
	dbPath      string
	backend     string
	blocksPath  string
	genesisPath string
	accountPath string
	verbose     bool
)

const keyExtension = ".ecdsa"

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "zblock/ledger.db", "Path to the ledger store.")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", storage.BackendBolt, "Ledger store backend: bolt or leveldb.")
	rootCmd.PersistentFlags().StringVar(&blocksPath, "blocks", "zblock/blocks", "Path to the block files.")
	rootCmd.PersistentFlags().StringVar(&genesisPath, "genesis", "zblock/genesis.yaml", "Path to the genesis file.")
	rootCmd.PersistentFlags().StringVarP(&accountPath, "account-path", "p", "zblock/accounts/", "Path to the directory with private keys.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log the chain store events.")
}

var rootCmd = &cobra.Command{
	Use:          "admin",
	Short:        "Inspect and maintain a chain store",
	SilenceUsage: true,
}

// Execute runs the command selected on the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================

// openState opens the chain store. Inspection opens it read only so nothing
// is written, not even the genesis block of an empty store.
func openState(readOnly bool) (*state.State, error) {
	gen := genesis.Default()
	if _, err := os.Stat(genesisPath); err == nil {
		if gen, err = genesis.Load(genesisPath); err != nil {
			return nil, fmt.Errorf("loading genesis: %w", err)
		}
	}

	store, err := storage.Open(storage.Config{
		Backend:    backend,
		DBPath:     dbPath,
		BlocksPath: blocksPath,
		ReadOnly:   readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cfg := state.Config{
		Genesis:  gen,
		Ledger:   store.Ledger,
		Blocks:   store.Blocks,
		ReadOnly: readOnly,
	}

	if verbose {
		log, err := logger.New("ADMIN")
		if err != nil {
			store.Close()
			return nil, err
		}
		cfg.EvHandler = func(v string, args ...any) {
			log.Infow(fmt.Sprintf(v, args...))
		}
	}

	st, err := state.New(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return st, nil
}

func privateKeyPath(name string) string {
	if !strings.HasSuffix(name, keyExtension) {
		name += keyExtension
	}

	return filepath.Join(accountPath, name)
}

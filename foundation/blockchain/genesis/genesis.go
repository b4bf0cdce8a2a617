// Package genesis maintains access to the genesis file and the consensus
// parameters it carries.
package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"gopkg.in/yaml.v3"
)

// RegtestBits is the easiest target a block can carry. Every hash has a one
// in two chance of solving it.
const RegtestBits = 0x207fffff

// Genesis represents the genesis file.
type Genesis struct {
	Date             time.Time         `json:"date" yaml:"date"`
	ChainID          uint16            `json:"chain_id" yaml:"chain_id"`                     // The chain id represents an unique id for this running instance.
	PowLimitBits     uint32            `json:"pow_limit_bits" yaml:"pow_limit_bits"`         // The easiest target a block may claim.
	MiningReward     uint64            `json:"mining_reward" yaml:"mining_reward"`           // Reward for mining a block.
	CoinbaseMaturity uint64            `json:"coinbase_maturity" yaml:"coinbase_maturity"`   // Blocks before a coinbase output can be spent.
	MaxBlockTxs      int               `json:"max_block_txs" yaml:"max_block_txs"`           // The maximum number of transactions that can be in a block.
	MaxFutureDrift   int64             `json:"max_future_drift" yaml:"max_future_drift"`     // Seconds a block timestamp may be ahead of the local clock.
	MedianTimeBlocks int               `json:"median_time_blocks" yaml:"median_time_blocks"` // Blocks used to calculate the median time past.
	Checkpoints      map[uint64]string `json:"checkpoints" yaml:"checkpoints"`               // Height to block hash the chain must agree with.
	Balances         map[string]uint64 `json:"balances" yaml:"balances"`
}

// Default returns the parameters for a local regression test chain.
func Default() Genesis {
	return Genesis{
		Date:             time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChainID:          1,
		PowLimitBits:     RegtestBits,
		MiningReward:     700,
		CoinbaseMaturity: 0,
		MaxBlockTxs:      1000,
		MaxFutureDrift:   int64((2 * time.Hour).Seconds()),
		MedianTimeBlocks: 11,
		Balances:         map[string]uint64{},
	}
}

// =============================================================================

// Load opens and consumes the genesis file. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON. Missing values take the defaults.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	genesis := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &genesis); err != nil {
			return Genesis{}, fmt.Errorf("decoding yaml genesis: %w", err)
		}

	default:
		if err := json.Unmarshal(content, &genesis); err != nil {
			return Genesis{}, fmt.Errorf("decoding json genesis: %w", err)
		}
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Validate checks the parameters are usable.
func (g Genesis) Validate() error {
	if database.Target(g.PowLimitBits).Sign() <= 0 {
		return fmt.Errorf("pow limit bits %#x encodes no target", g.PowLimitBits)
	}

	if g.MaxBlockTxs <= 0 {
		return fmt.Errorf("max block txs %d must be positive", g.MaxBlockTxs)
	}

	if g.MedianTimeBlocks <= 0 {
		return fmt.Errorf("median time blocks %d must be positive", g.MedianTimeBlocks)
	}

	for address := range g.Balances {
		if !database.IsAddress(address) {
			return fmt.Errorf("balance address %q is not an address", address)
		}
	}

	for height, hash := range g.Checkpoints {
		if _, err := chainhash.NewHashFromStr(hash); err != nil {
			return fmt.Errorf("checkpoint %d: %w", height, err)
		}
	}

	return nil
}

// PowLimit returns the easiest target as a number.
func (g Genesis) PowLimit() *big.Int {
	return database.Target(g.PowLimitBits)
}

// Checkpoint returns the hash the chain must have at the specified height.
func (g Genesis) Checkpoint(height uint64) (chainhash.Hash, bool) {
	s, exists := g.Checkpoints[height]
	if !exists {
		return chainhash.Hash{}, false
	}

	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, false
	}

	return *hash, true
}

// LastCheckpoint returns the greatest checkpointed height at or below the
// specified height.
func (g Genesis) LastCheckpoint(height uint64) (uint64, bool) {
	var last uint64
	var found bool
	for h := range g.Checkpoints {
		if h <= height && (!found || h > last) {
			last, found = h, true
		}
	}
	return last, found
}

// Block constructs the genesis block. The starting balances are issued by
// the coinbase in address order so every node builds the same block.
func (g Genesis) Block() database.Block {
	addresses := make([]string, 0, len(g.Balances))
	for address := range g.Balances {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	outputs := make([]database.TxOut, 0, len(addresses))
	for _, address := range addresses {
		outputs = append(outputs, database.TxOut{Value: g.Balances[address], Owner: address})
	}

	coinbase := database.NewCoinbase(0, outputs)

	// A single transaction is its own merkle root.
	return database.Block{
		Header: database.BlockHeader{
			Version:    1,
			PrevBlock:  database.ZeroHash,
			MerkleRoot: coinbase.ID(),
			Timestamp:  g.Date.Unix(),
			Bits:       g.PowLimitBits,
		},
		Txs: []database.Tx{coinbase},
	}
}

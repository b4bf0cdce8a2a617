// Package storage selects and opens the ledger store and block payload
// storage backends.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage/boltdb"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage/flatfile"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage/ldb"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage/memory"
)

// Set of supported backends.
const (
	BackendBolt    = "bolt"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Config represents the information required to open storage.
type Config struct {
	Backend     string
	DBPath      string
	BlocksPath  string
	MaxFileSize uint32
	ReadOnly    bool
}

// Storage holds the opened ledger store and block payload storage.
type Storage struct {
	Ledger ledger.Storage
	Blocks database.BlockStorage
}

// Open opens the configured backend.
func Open(cfg Config) (Storage, error) {
	if cfg.Backend == BackendMemory {
		mem := memory.New()
		return Storage{Ledger: mem, Blocks: mem.Blocks()}, nil
	}

	var lgr ledger.Storage
	switch cfg.Backend {
	case BackendBolt, "":
		db, err := boltdb.Open(cfg.DBPath, readOnly(cfg.ReadOnly)...)
		if err != nil {
			return Storage{}, err
		}
		lgr = db

	case BackendLevelDB:
		db, err := ldb.Open(cfg.DBPath, cfg.ReadOnly)
		if err != nil {
			return Storage{}, err
		}
		lgr = db

	default:
		return Storage{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	blocksPath := cfg.BlocksPath
	if blocksPath == "" {
		blocksPath = filepath.Join(filepath.Dir(cfg.DBPath), "blocks")
	}

	blocks, err := flatfile.Open(blocksPath, cfg.MaxFileSize, cfg.ReadOnly)
	if err != nil {
		lgr.Close()
		return Storage{}, err
	}

	return Storage{Ledger: lgr, Blocks: blocks}, nil
}

// Close closes both stores.
func (s Storage) Close() error {
	berr := s.Blocks.Close()
	if err := s.Ledger.Close(); err != nil {
		return err
	}
	return berr
}

func readOnly(ro bool) []boltdb.Option {
	if ro {
		return []boltdb.Option{boltdb.ReadOnly()}
	}
	return nil
}

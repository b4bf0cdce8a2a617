package database

import (
	"context"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
)

// ErrNonceExhausted is returned when every nonce was tried without solving
// the block. The caller should change the timestamp and try again.
var ErrNonceExhausted = errors.New("nonce space exhausted")

// Target returns the proof of work target encoded by the compact bits.
func Target(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// CalcWork returns the amount of work a block with the specified bits
// represents.
func CalcWork(bits uint32) *uint256.Int {
	work, overflow := uint256.FromBig(blockchain.CalcWork(bits))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return work
}

// IsHashSolved checks the hash is at or below the target encoded by bits.
func IsHashSolved(bits uint32, hash chainhash.Hash) bool {
	target := Target(bits)
	if target.Sign() <= 0 {
		return false
	}

	return blockchain.HashToBig(&hash).Cmp(target) <= 0
}

// Mine does the work of finding a nonce that solves the block. Pointer
// semantics are being used since a nonce is being discovered.
func Mine(ctx context.Context, b *Block, ev func(v string, args ...any)) error {
	ev("database: Mine: MINING: started: prevBlk[%s]", b.Header.PrevBlock)
	defer ev("database: Mine: MINING: completed")

	var attempts uint64
	for nonce := uint64(0); nonce <= uint64(^uint32(0)); nonce++ {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: Mine: MINING: attempts[%d]", attempts)

			// Did we timeout trying to solve the problem.
			if ctx.Err() != nil {
				ev("database: Mine: MINING: CANCELLED")
				return ctx.Err()
			}
		}

		b.Header.Nonce = uint32(nonce)
		if IsHashSolved(b.Header.Bits, b.Hash()) {
			ev("database: Mine: MINING: SOLVED: newBlk[%s]: attempts[%d]", b.Hash(), attempts)
			return nil
		}
	}

	return ErrNonceExhausted
}

package worker

import (
	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"golang.org/x/sync/errgroup"
)

// fetchOperations handles requests for missing blocks. Up to fetchLimit
// requests are worked on at once.
func (w *Worker) fetchOperations() {
	w.evHandler("worker: fetchOperations: G started")
	defer w.evHandler("worker: fetchOperations: G completed")

	var g errgroup.Group
	g.SetLimit(w.fetchLimit)

	for {
		select {
		case ask := <-w.fetching:
			if !w.isShutdown() {
				g.Go(func() error {
					w.runFetchOperation(ask)
					return nil
				})
			}
		case <-w.shut:
			w.evHandler("worker: fetchOperations: received shut signal")
			g.Wait()
			return
		}
	}
}

// runFetchOperation asks the peers that announced the originator for the
// missing blocks, falling back to every known peer.
func (w *Worker) runFetchOperation(ask notify.AskForBlocks) {
	w.evHandler("worker: runFetchOperation: started: %s", ask)
	defer w.evHandler("worker: runFetchOperation: completed: %s", ask)

	peers := w.peers.Announcers(ask.Originator)
	if len(peers) == 0 {
		peers = w.peers.Copy(w.host)
	}

	for _, pr := range peers {
		if w.isShutdown() {
			return
		}

		blocks, err := w.netRequestBlocks(pr, w.state.Locator(), ask.Target)
		if err != nil {
			w.evHandler("worker: runFetchOperation: %s: ERROR: %s", pr, err)
			continue
		}

		if w.emitBlocks(pr, blocks) {
			return
		}
	}
}

// emitBlocks feeds the blocks from the peer to the chain store in order. It
// reports if every block was taken.
func (w *Worker) emitBlocks(pr peer.Peer, blocks []database.Block) bool {
	if len(blocks) == 0 {
		return false
	}

	for _, block := range blocks {
		hash := block.Hash()
		w.peers.Announce(pr, hash)

		err := w.state.EmitBlock(block)
		switch {
		case err == nil, state.IsDuplicate(err):
			continue

		case validator.IsValidationError(err):
			w.evHandler("worker: emitBlocks: %s: blk[%s]: rejected: %s", pr, hash, err)
			return false

		case state.IsFatal(err):
			w.evHandler("worker: emitBlocks: blk[%s]: FATAL: %s", hash, err)
			return true

		default:
			w.evHandler("worker: emitBlocks: %s: blk[%s]: ERROR: %s", pr, hash, err)
			return false
		}
	}

	return true
}

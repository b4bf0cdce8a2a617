package worker

import (
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
)

// relayOperations handles sharing blocks produced by this node.
func (w *Worker) relayOperations() {
	w.evHandler("worker: relayOperations: G started")
	defer w.evHandler("worker: relayOperations: G completed")

	for {
		select {
		case c := <-w.relaying:
			if !w.isShutdown() {
				w.runRelayOperation(c)
			}
		case <-w.shut:
			w.evHandler("worker: relayOperations: received shut signal")
			return
		}
	}
}

// runRelayOperation sends a committed block to the known peers.
func (w *Worker) runRelayOperation(c notify.Commit) {
	hash := c.Block.Hash()

	w.evHandler("worker: runRelayOperation: started: blk[%s]: height[%d]", hash, c.Height)
	defer w.evHandler("worker: runRelayOperation: completed: blk[%s]", hash)

	for _, pr := range w.peers.Copy(w.host) {
		if err := w.netSendBlockToPeer(pr, c.Block); err != nil {
			w.evHandler("worker: runRelayOperation: %s: WARNING: %s", pr, err)
			continue
		}
		w.evHandler("worker: runRelayOperation: sent to peer[%s]", pr)
	}
}

package worker

import (
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
)

// peerOperations handles finding new peers and catching up with them.
func (w *Worker) peerOperations() {
	w.evHandler("worker: peerOperations: G started")
	defer w.evHandler("worker: peerOperations: G completed")

	w.Sync()

	for {
		select {
		case <-w.ticker.Ticks():
			if !w.isShutdown() {
				w.Sync()
			}
		case <-w.shut:
			w.evHandler("worker: peerOperations: received shut signal")
			return
		}
	}
}

// Sync updates the peer list and asks for the blocks of any peer that is
// ahead of this node.
func (w *Worker) Sync() {
	w.evHandler("worker: Sync: started")
	defer w.evHandler("worker: Sync: completed")

	for _, pr := range w.peers.Copy(w.host) {

		// Retrieve the status of this peer.
		peerStatus, err := w.netRequestPeerStatus(pr)
		if err != nil {
			w.evHandler("worker: Sync: netRequestPeerStatus: %s: ERROR: %s", pr.Host, err)
			w.peers.Remove(pr)
			continue
		}

		// Add new peers to this nodes list.
		w.addNewPeers(peerStatus.KnownPeers)

		// If this peer has blocks we don't have, we need to ask for them.
		if peerStatus.BestHeight > w.state.BestBlock().Height && !w.state.HaveBlock(peerStatus.BestHash) {
			w.evHandler("worker: Sync: %s: best[%s]: height[%d]: ask for blocks", pr.Host, peerStatus.BestHash, peerStatus.BestHeight)

			w.peers.Announce(pr, peerStatus.BestHash)
			w.onAskForBlocks(notify.AskForBlocks{
				Target:     peerStatus.BestHash,
				Originator: peerStatus.BestHash,
			})
		}
	}

	// Let the peers know this node is available to chat.
	for _, pr := range w.peers.Copy(w.host) {
		if err := w.netRequestAddPeer(pr); err != nil {
			w.evHandler("worker: Sync: netRequestAddPeer: %s: ERROR: %s", pr.Host, err)
		}
	}
}

// addNewPeers takes the list of known peers and makes sure they are included
// in the nodes list of know peers.
func (w *Worker) addNewPeers(knownPeers []peer.Peer) {
	for _, pr := range knownPeers {

		// Don't add this running node to the known peer list.
		if pr.Match(w.host) {
			continue
		}

		if w.peers.Add(pr) {
			w.evHandler("worker: addNewPeers: adding peer-node %s", pr)
		}
	}
}

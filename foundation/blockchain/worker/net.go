package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const baseURL = "http://%s/v1/node"

// maxBlocksPerRequest bounds the blocks asked of a peer at once.
const maxBlocksPerRequest = 500

// netRequestPeerStatus asks the peer for its best block and known peers.
func (w *Worker) netRequestPeerStatus(pr peer.Peer) (peer.PeerStatus, error) {
	w.evHandler("worker: netRequestPeerStatus: started: %s", pr)
	defer w.evHandler("worker: netRequestPeerStatus: completed: %s", pr)

	url := fmt.Sprintf("%s/status", fmt.Sprintf(baseURL, pr.Host))

	var ps peer.PeerStatus
	if err := w.send(http.MethodGet, url, nil, &ps); err != nil {
		return peer.PeerStatus{}, err
	}

	w.evHandler("worker: netRequestPeerStatus: peer-node[%s]: best[%s]: height[%d]: peer-list[%s]", pr, ps.BestHash, ps.BestHeight, ps.KnownPeers)

	return ps, nil
}

// netRequestAddPeer lets the peer know this node is available.
func (w *Worker) netRequestAddPeer(pr peer.Peer) error {
	w.evHandler("worker: netRequestAddPeer: started: %s", pr)
	defer w.evHandler("worker: netRequestAddPeer: completed: %s", pr)

	url := fmt.Sprintf("%s/peers", fmt.Sprintf(baseURL, pr.Host))

	return w.send(http.MethodPost, url, peer.New(w.host), nil)
}

// netRequestBlocks asks the peer for the blocks following the locator up to
// and including stop.
func (w *Worker) netRequestBlocks(pr peer.Peer, locator []chainhash.Hash, stop chainhash.Hash) ([]database.Block, error) {
	w.evHandler("worker: netRequestBlocks: started: %s: stop[%s]", pr, stop)
	defer w.evHandler("worker: netRequestBlocks: completed: %s", pr)

	hashes := make([]string, len(locator))
	for i, hash := range locator {
		hashes[i] = hash.String()
	}

	q := url.Values{}
	q.Set("locator", strings.Join(hashes, ","))
	q.Set("stop", stop.String())
	q.Set("max", strconv.Itoa(maxBlocksPerRequest))

	url := fmt.Sprintf("%s/blocks?%s", fmt.Sprintf(baseURL, pr.Host), q.Encode())

	var blocks []database.Block
	if err := w.send(http.MethodGet, url, nil, &blocks); err != nil {
		return nil, err
	}

	w.evHandler("worker: netRequestBlocks: %s: found blocks[%d]", pr, len(blocks))

	return blocks, nil
}

// netSendBlockToPeer proposes the block to the peer.
func (w *Worker) netSendBlockToPeer(pr peer.Peer, block database.Block) error {
	url := fmt.Sprintf("%s/block", fmt.Sprintf(baseURL, pr.Host))

	msg := peer.BlockMessage{
		From:  w.host,
		Block: block,
	}

	return w.send(http.MethodPost, url, msg, nil)
}

// =============================================================================

// send is a helper function to send an HTTP request to a node.
func (w *Worker) send(method string, url string, dataSend any, dataRecv any) error {
	return send(w.ctx, w.client, method, url, dataSend, dataRecv)
}

func send(ctx context.Context, client *http.Client, method string, url string, dataSend any, dataRecv any) error {
	var body io.Reader
	if dataSend != nil {
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("status %d: %w", resp.StatusCode, errors.New(string(msg)))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}

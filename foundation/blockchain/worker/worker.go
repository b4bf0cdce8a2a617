// Package worker implements the network side of the chain store: fetching
// missing blocks, relaying new blocks, tracking peers and mining.
package worker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/lightningnetwork/lnd/ticker"
)

// peerUpdateInterval represents the interval of finding new peer nodes
// and asking them for blocks this node is missing.
const peerUpdateInterval = time.Minute

// Bounds on the pending requests. When a channel is full new requests are
// dropped since a later request covers them.
const (
	maxFetchRequests = 100
	maxRelayRequests = 100
)

// defaultFetchLimit is the number of block fetches running at once.
const defaultFetchLimit = 4

// Config represents the systems the worker needs.
type Config struct {
	State       *state.State
	Bus         *notify.Bus
	Peers       *peer.PeerSet
	Host        string        // Private host of this node.
	Beneficiary string        // Mining is turned off when empty.
	FetchLimit  int           // Concurrent block fetches.
	Ticker      ticker.Ticker // Peer update ticker, defaults to peerUpdateInterval.
	Client      *http.Client
	EvHandler   state.EventHandler
}

// Worker manages the network workflows for the chain store.
type Worker struct {
	state       *state.State
	peers       *peer.PeerSet
	host        string
	beneficiary string
	fetchLimit  int
	client      *http.Client
	ticker      ticker.Ticker
	evHandler   state.EventHandler

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shut         chan struct{}
	unregister   []func()
	fetching     chan notify.AskForBlocks
	relaying     chan notify.Commit
	startMining  chan bool
	cancelMining chan bool
}

// Run creates a worker, registers the worker with the notification bus, and
// starts up all the background processes.
func Run(cfg Config) *Worker {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	fetchLimit := cfg.FetchLimit
	if fetchLimit <= 0 {
		fetchLimit = defaultFetchLimit
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	tkr := cfg.Ticker
	if tkr == nil {
		tkr = ticker.New(peerUpdateInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		state:        cfg.State,
		peers:        cfg.Peers,
		host:         cfg.Host,
		beneficiary:  cfg.Beneficiary,
		fetchLimit:   fetchLimit,
		client:       client,
		ticker:       tkr,
		evHandler:    ev,
		ctx:          ctx,
		cancel:       cancel,
		shut:         make(chan struct{}),
		fetching:     make(chan notify.AskForBlocks, maxFetchRequests),
		relaying:     make(chan notify.Commit, maxRelayRequests),
		startMining:  make(chan bool, 1),
		cancelMining: make(chan bool, 1),
	}

	// Register this worker with the notification bus.
	w.unregister = []func(){
		cfg.Bus.RegisterAskForBlocksCallback(w.onAskForBlocks),
		cfg.Bus.RegisterCommitCallback(w.onCommit),
		cfg.Bus.RegisterRejectCallback(w.onReject),
	}

	// Load the set of operations we need to run.
	operations := []func(){
		w.peerOperations,
		w.fetchOperations,
		w.relayOperations,
	}
	if w.beneficiary != "" {
		operations = append(operations, w.miningOperations)
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}

	w.ticker.Resume()
	w.SignalStartMining()

	return &w
}

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: unregister callbacks")
	for _, fn := range w.unregister {
		fn()
	}

	w.evHandler("worker: shutdown: stop ticker")
	w.ticker.Stop()

	w.evHandler("worker: shutdown: signal cancel mining")
	w.SignalCancelMining()

	w.evHandler("worker: shutdown: terminate goroutines")
	w.cancel()
	close(w.shut)
	w.wg.Wait()
}

// SignalStartMining starts a mining operation. If there is already a signal
// pending in the channel, just return since a mining operation will start.
func (w *Worker) SignalStartMining() {
	if w.beneficiary == "" {
		return
	}

	select {
	case w.startMining <- true:
	default:
	}
	w.evHandler("worker: SignalStartMining: mining signaled")
}

// SignalCancelMining signals the G executing the runMiningOperation function
// to stop immediately.
func (w *Worker) SignalCancelMining() {
	if w.beneficiary == "" {
		return
	}

	select {
	case w.cancelMining <- true:
	default:
	}
	w.evHandler("worker: SignalCancelMining: MINING: CANCEL: signaled")
}

// =============================================================================

// onAskForBlocks queues a fetch for the missing ancestry of a block.
func (w *Worker) onAskForBlocks(ask notify.AskForBlocks) {
	select {
	case w.fetching <- ask:
		w.evHandler("worker: onAskForBlocks: fetch signaled: %s", ask)
	default:
		w.evHandler("worker: onAskForBlocks: queue full, blocks won't be fetched: %s", ask)
	}
}

// onCommit relays blocks no peer announced, those were produced here, and
// restarts mining on the new best chain.
func (w *Worker) onCommit(c notify.Commit) {
	w.SignalCancelMining()
	w.SignalStartMining()

	if len(w.peers.Announcers(c.Block.Hash())) > 0 {
		return
	}

	select {
	case w.relaying <- c:
		w.evHandler("worker: onCommit: relay signaled: blk[%s]", c.Block.Hash())
	default:
		w.evHandler("worker: onCommit: queue full, block won't be relayed: blk[%s]", c.Block.Hash())
	}
}

// onReject charges the peers that announced an invalid block.
func (w *Worker) onReject(r notify.Reject) {
	if r.DoS == 0 {
		return
	}

	for _, pr := range w.peers.Announcers(r.Hash) {
		if w.peers.Misbehaving(pr, r.DoS) {
			w.evHandler("worker: onReject: peer[%s]: banned: blk[%s]: %s", pr, r.Hash, r.Err)
			continue
		}
		w.evHandler("worker: onReject: peer[%s]: score[%d]: blk[%s]: %s", pr, w.peers.Score(pr), r.Hash, r.Err)
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}

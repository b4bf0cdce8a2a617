// Package notify provides the asynchronous notification bus the chain store
// publishes to. Events are queued by the producer and delivered to the
// registered subscribers on a dedicated goroutine, so a slow subscriber
// never holds up the chain store.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrNotRunning is returned when an event is published to a bus that was
// never started or was stopped.
var ErrNotRunning = errors.New("notification bus not running")

// queueBuffer is the number of events held in the channel part of the
// queue. Anything beyond this spills into the queue's overflow list.
const queueBuffer = 100

// =============================================================================

// Commit is published when a block became part of the best chain.
type Commit struct {
	Block  database.Block
	Height uint64
}

// Disconnect is published when a block was removed from the best chain by a
// reorganization.
type Disconnect struct {
	Block  database.Block
	Height uint64
}

// AskForBlocks is published when a block's ancestry is not known locally.
// The missing blocks run from Target, the first unknown ancestor, up to
// Originator, the block that referenced them.
type AskForBlocks struct {
	Target     chainhash.Hash
	Originator chainhash.Hash
}

// Reject is published when a block failed validation.
type Reject struct {
	Hash chainhash.Hash
	Err  error
	Code validator.RejectCode
	DoS  int
}

// =============================================================================

type subscriber struct {
	id      uuid.UUID
	deliver func(event any)
}

// Bus fans events out to the registered subscribers in registration order.
type Bus struct {
	queue     *queue.ConcurrentQueue
	evHandler func(v string, args ...any)

	mu   sync.RWMutex
	subs []subscriber

	// pubMu is held for reading while an event is handed to the queue so
	// Stop can wait out publishers that already passed the running check.
	pubMu   sync.RWMutex
	pending atomic.Int64

	running atomic.Bool
	shut    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a bus. Start must be called before events are published.
func New(evHandler func(v string, args ...any)) *Bus {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	return &Bus{
		queue:     queue.NewConcurrentQueue(queueBuffer),
		evHandler: ev,
		shut:      make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}

	b.queue.Start()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch()
	}()

	b.evHandler("notify: Start: dispatch G started")
}

// Stop refuses new events, delivers the events already queued and then
// terminates the dispatch goroutine.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}

	b.evHandler("notify: Stop: started")
	defer b.evHandler("notify: Stop: completed")

	// Publishers in flight finish first. No event is queued after this.
	b.pubMu.Lock()
	close(b.shut)
	b.pubMu.Unlock()

	b.wg.Wait()
	b.queue.Stop()
}

// Publish hands the events to the dispatch goroutine. It never waits on a
// subscriber.
func (b *Bus) Publish(events ...any) error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()

	if !b.running.Load() {
		return ErrNotRunning
	}

	for _, event := range events {
		b.pending.Add(1)
		b.queue.ChanIn() <- event
	}

	return nil
}

// =============================================================================

// RegisterCommitCallback adds a subscriber for Commit events. The returned
// function removes the subscriber.
func (b *Bus) RegisterCommitCallback(fn func(Commit)) func() {
	return b.register(func(event any) {
		if e, ok := event.(Commit); ok {
			fn(e)
		}
	})
}

// RegisterDisconnectCallback adds a subscriber for Disconnect events.
func (b *Bus) RegisterDisconnectCallback(fn func(Disconnect)) func() {
	return b.register(func(event any) {
		if e, ok := event.(Disconnect); ok {
			fn(e)
		}
	})
}

// RegisterAskForBlocksCallback adds a subscriber for AskForBlocks events.
func (b *Bus) RegisterAskForBlocksCallback(fn func(AskForBlocks)) func() {
	return b.register(func(event any) {
		if e, ok := event.(AskForBlocks); ok {
			fn(e)
		}
	})
}

// RegisterRejectCallback adds a subscriber for Reject events.
func (b *Bus) RegisterRejectCallback(fn func(Reject)) func() {
	return b.register(func(event any) {
		if e, ok := event.(Reject); ok {
			fn(e)
		}
	})
}

// RegisterAll adds a subscriber for every event kind.
func (b *Bus) RegisterAll(fn func(event any)) func() {
	return b.register(fn)
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

func (b *Bus) register(deliver func(event any)) func() {
	sub := subscriber{
		id:      uuid.New(),
		deliver: deliver,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unregister(sub.id)
		})
	}
}

func (b *Bus) unregister(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// =============================================================================

// dispatch delivers queued events until the bus is stopped and the queue
// is drained.
func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.queue.ChanOut():
			b.pending.Add(-1)
			b.deliver(event)

		case <-b.shut:
			b.drain()
			return
		}
	}
}

// drain delivers the events that were queued before the bus stopped.
func (b *Bus) drain() {
	n := b.pending.Load()
	if n > 0 {
		b.evHandler("notify: drain: delivering queued events[%d]", n)
	}

	for b.pending.Load() > 0 {
		event := <-b.queue.ChanOut()
		b.pending.Add(-1)
		b.deliver(event)
	}
}

// deliver calls every subscriber registered at the time the event is
// dispatched. A panicking subscriber does not stop the others.
func (b *Bus) deliver(event any) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.evHandler("notify: deliver: subscriber[%s]: PANIC: %v", sub.id, r)
				}
			}()
			sub.deliver(event)
		}()
	}
}

// String implements the fmt.Stringer interface for trace lines.
func (e AskForBlocks) String() string {
	return fmt.Sprintf("target[%s] originator[%s]", e.Target, e.Originator)
}

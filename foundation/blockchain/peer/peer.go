// Package peer maintains the peer related information such as the set
// of know peers, the blocks they announced and how well they behave.
package peer

import (
	"sync"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BanScore is the misbehaviour score at which a peer is dropped.
const BanScore = 100

// maxAnnounced bounds the announcements remembered per peer.
const maxAnnounced = 1000

// Peer represents information about a Node in the network.
type Peer struct {
	Host string `json:"host" validate:"required,hostname_port"`
}

// New contructs a new info value.
func New(host string) Peer {
	return Peer{
		Host: host,
	}
}

// Match validates if the specified host matches this node.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// String implements the fmt.Stringer interface.
func (p Peer) String() string {
	return p.Host
}

// =============================================================================

// PeerStatus represents information about the status
// of any given peer.
type PeerStatus struct {
	BestHash   chainhash.Hash `json:"best_hash"`
	BestHeight uint64         `json:"best_height"`
	KnownPeers []Peer         `json:"known_peers"`
}

// BlockMessage carries a block between nodes. From is the private host of
// the sending node so the receiver can attribute the block.
type BlockMessage struct {
	From  string         `json:"from" validate:"omitempty,hostname_port"`
	Block database.Block `json:"block"`
}

// HeaderMessage carries a header between nodes for headers first sync.
type HeaderMessage struct {
	From   string               `json:"from" validate:"omitempty,hostname_port"`
	Header database.BlockHeader `json:"header"`
}

// =============================================================================

// info is what the set tracks for one peer.
type info struct {
	score     int
	announced map[chainhash.Hash]struct{}
	order     []chainhash.Hash
}

// PeerSet represents the data representation to maintain a set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]*info
}

// NewPeerSet constructs a new info set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[Peer]*info),
	}
}

// Add adds a new node to the set.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	_, exists := ps.set[peer]
	if !exists {
		ps.set[peer] = &info{announced: make(map[chainhash.Hash]struct{})}
		return true
	}

	return false
}

// Remove removes a node from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Copy returns a list of the known peers.
func (ps *PeerSet) Copy(host string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for peer := range ps.set {
		if !peer.Match(host) {
			peers = append(peers, peer)
		}
	}

	return peers
}

// Announce records that the peer sent or announced the block. Unknown peers
// are added to the set.
func (ps *PeerSet) Announce(peer Peer, hash chainhash.Hash) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	inf, exists := ps.set[peer]
	if !exists {
		inf = &info{announced: make(map[chainhash.Hash]struct{})}
		ps.set[peer] = inf
	}

	if _, exists := inf.announced[hash]; exists {
		return
	}

	if len(inf.order) == maxAnnounced {
		delete(inf.announced, inf.order[0])
		inf.order = inf.order[1:]
	}

	inf.announced[hash] = struct{}{}
	inf.order = append(inf.order, hash)
}

// Announcers returns the peers that announced the block.
func (ps *PeerSet) Announcers(hash chainhash.Hash) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for peer, inf := range ps.set {
		if _, exists := inf.announced[hash]; exists {
			peers = append(peers, peer)
		}
	}

	return peers
}

// Misbehaving adds to the score of the peer. A peer reaching BanScore is
// removed from the set and true is returned.
func (ps *PeerSet) Misbehaving(peer Peer, score int) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	inf, exists := ps.set[peer]
	if !exists {
		return false
	}

	inf.score += score
	if inf.score < BanScore {
		return false
	}

	delete(ps.set, peer)
	return true
}

// Score returns the current misbehaviour score of the peer.
func (ps *PeerSet) Score(peer Peer) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if inf, exists := ps.set[peer]; exists {
		return inf.score
	}
	return 0
}

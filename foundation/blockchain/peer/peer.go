// Package peer maintains the set of peers discovered on the network.
package peer

import (
	"sort"
	"sync"
	"time"
)

// Peer represents information about a Node in the network.
type Peer struct {
	ID string `json:"id"`
}

// New contructs a new peer value.
func New(id string) Peer {
	return Peer{
		ID: id,
	}
}

// Match validates if the specified id matches this peer.
func (p Peer) Match(id string) bool {
	return p.ID == id
}

// String implements the fmt.Stringer interface.
func (p Peer) String() string {
	return p.ID
}

// =============================================================================

// PeerSet represents the data representation to maintain a set of known
// peers. Every entry keeps the time it was last reported by discovery.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]time.Time
}

// NewPeerSet constructs a new set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[Peer]time.Time),
	}
}

// Add adds a new peer to the set or refreshes the time it was last seen.
// It returns true when the peer was not already in the set.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	_, exists := ps.set[peer]
	ps.set[peer] = time.Now()

	return !exists
}

// Remove removes a peer from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Expire removes a peer whose discovery record has expired. The peer is only
// removed when alive reports no other live signal for it. It returns true if
// the peer was removed.
func (ps *PeerSet) Expire(peer Peer, alive func(Peer) bool) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.set[peer]; !exists {
		return false
	}

	if alive != nil && alive(peer) {
		return false
	}

	delete(ps.set, peer)
	return true
}

// Sweep expires every peer not seen since the specified time and returns the
// peers that were removed.
func (ps *PeerSet) Sweep(since time.Time, alive func(Peer) bool) []Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var removed []Peer
	for peer, seen := range ps.set {
		if !seen.Before(since) {
			continue
		}

		if alive != nil && alive(peer) {
			continue
		}

		delete(ps.set, peer)
		removed = append(removed, peer)
	}

	sortPeers(removed)
	return removed
}

// Contains reports whether the peer is in the set.
func (ps *PeerSet) Contains(peer Peer) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	_, exists := ps.set[peer]
	return exists
}

// Copy returns a sorted list of the known peers excluding the specified id.
func (ps *PeerSet) Copy(id string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]Peer, 0, len(ps.set))
	for peer := range ps.set {
		if !peer.Match(id) {
			peers = append(peers, peer)
		}
	}

	sortPeers(peers)
	return peers
}

// sortPeers orders the peers so iteration order is stable.
func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})
}

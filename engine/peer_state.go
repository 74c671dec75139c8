package engine

import (
	"sync"
	"time"
)

// PeerState tracks what the local node knows about one peer's position in
// the protocol. Updated from gossiped status messages; consulted by block
// sync to pick download sources.
type PeerState struct {
	mu sync.RWMutex

	peerID string

	height uint64
	round  uint32
	step   RoundStep

	catchingUp bool
	lastSeen   time.Time
}

// NewPeerState creates tracking state for a peer.
func NewPeerState(peerID string) *PeerState {
	return &PeerState{
		peerID:   peerID,
		lastSeen: time.Now(),
	}
}

// PeerID returns the peer's identifier.
func (ps *PeerState) PeerID() string {
	return ps.peerID
}

// ApplyStatus records a status report from the peer.
func (ps *PeerState) ApplyStatus(height uint64, round uint32, step RoundStep) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Status messages can arrive out of order; never move a peer back.
	if height < ps.height || (height == ps.height && round < ps.round) {
		return
	}
	ps.height = height
	ps.round = round
	ps.step = step
	ps.lastSeen = time.Now()
}

// Height returns the peer's last reported height.
func (ps *PeerState) Height() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.height
}

// SetCatchingUp marks whether the peer is behind and block-syncing.
func (ps *PeerState) SetCatchingUp(catching bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.catchingUp = catching
}

// IsCatchingUp reports whether the peer is block-syncing.
func (ps *PeerState) IsCatchingUp() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.catchingUp
}

// LastSeen returns when the peer last reported status.
func (ps *PeerState) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// PeerSet is the concurrency-safe registry of known peers.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

// NewPeerSet creates an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[string]*PeerState)}
}

// AddPeer registers a peer, returning existing state on re-add.
func (ps *PeerSet) AddPeer(peerID string) *PeerState {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, ok := ps.peers[peerID]; ok {
		return existing
	}
	peer := NewPeerState(peerID)
	ps.peers[peerID] = peer
	return peer
}

// RemovePeer drops a peer.
func (ps *PeerSet) RemovePeer(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, peerID)
}

// GetPeer returns a peer's state, or nil.
func (ps *PeerSet) GetPeer(peerID string) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[peerID]
}

// Size returns the number of known peers.
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// AllPeers returns a snapshot of all peer states.
func (ps *PeerSet) AllPeers() []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]*PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeersAtHeight returns peers whose reported height is at least height.
func (ps *PeerSet) PeersAtHeight(height uint64) []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []*PeerState
	for _, p := range ps.peers {
		if p.Height() >= height {
			peers = append(peers, p)
		}
	}
	return peers
}

// MaxHeight returns the highest height any peer has reported.
func (ps *PeerSet) MaxHeight() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var max uint64
	for _, p := range ps.peers {
		if h := p.Height(); h > max {
			max = h
		}
	}
	return max
}

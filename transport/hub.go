package transport

import (
	"errors"
	"sync"
)

// ErrUnknownPeer is returned when sending to an address the hub has never
// seen.
var ErrUnknownPeer = errors.New("unknown peer")

// Hub is an in-process message switch used by tests and single-process
// simulations. Each peer gets a HubTransport bound to a logical address;
// sends are direct channel writes with optional drop and partition rules
// injected between peers.
type Hub struct {
	mu         sync.Mutex
	peers      map[string]*HubTransport
	dropped    map[[2]string]bool
	partitions map[string]int
	dropFn     func(from, to string, msgType uint8) bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		peers:      make(map[string]*HubTransport),
		dropped:    make(map[[2]string]bool),
		partitions: make(map[string]int),
	}
}

// Join registers a peer and returns its transport.
func (h *Hub) Join(id string) *HubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &HubTransport{
		hub:  h,
		id:   id,
		inCh: make(chan Inbound, 1024),
		done: make(chan struct{}),
	}
	h.peers[id] = t
	return t
}

// DropLink discards all traffic from one peer to another until restored.
func (h *Hub) DropLink(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped[[2]string{from, to}] = true
}

// RestoreLink re-enables a dropped link.
func (h *Hub) RestoreLink(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dropped, [2]string{from, to})
}

// Isolate cuts a peer off in both directions from everyone.
func (h *Hub) Isolate(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for other := range h.peers {
		if other == id {
			continue
		}
		h.dropped[[2]string{id, other}] = true
		h.dropped[[2]string{other, id}] = true
	}
}

// Heal removes every drop rule involving the peer.
func (h *Hub) Heal(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for link := range h.dropped {
		if link[0] == id || link[1] == id {
			delete(h.dropped, link)
		}
	}
}

// Partition assigns peers to numbered groups; traffic only flows within a
// group. Peers never assigned a group are in group 0.
func (h *Hub) Partition(groups map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions = make(map[string]int, len(groups))
	for id, g := range groups {
		h.partitions[id] = g
	}
}

// ClearPartitions restores full connectivity between groups.
func (h *Hub) ClearPartitions() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions = make(map[string]int)
}

// SetDropFunc installs an arbitrary per-message drop predicate, for
// byzantine scenarios that drop selectively by message type.
func (h *Hub) SetDropFunc(fn func(from, to string, msgType uint8) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFn = fn
}

func (h *Hub) deliver(from, to string, msgType uint8, payload []byte) error {
	h.mu.Lock()
	peer, ok := h.peers[to]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownPeer
	}
	if h.dropped[[2]string{from, to}] || h.partitions[from] != h.partitions[to] {
		h.mu.Unlock()
		return nil
	}
	if h.dropFn != nil && h.dropFn(from, to, msgType) {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	// Copy so a sender mutating its buffer cannot corrupt the receiver.
	p := make([]byte, len(payload))
	copy(p, payload)

	select {
	case peer.inCh <- Inbound{From: from, Type: msgType, Payload: p}:
		return nil
	case <-peer.done:
		return nil
	}
}

// HubTransport implements Transport against an in-process Hub.
type HubTransport struct {
	hub  *Hub
	id   string
	inCh chan Inbound

	closeOnce sync.Once
	done      chan struct{}
}

func (t *HubTransport) Send(target string, msgType uint8, payload []byte) error {
	select {
	case <-t.done:
		return ErrTransportShutdown
	default:
	}
	return t.hub.deliver(t.id, target, msgType, payload)
}

func (t *HubTransport) Receive() <-chan Inbound {
	return t.inCh
}

func (t *HubTransport) LocalAddr() string {
	return t.id
}

func (t *HubTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.hub.mu.Lock()
		delete(t.hub.peers, t.id)
		t.hub.mu.Unlock()
	})
	return nil
}

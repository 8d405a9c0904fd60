package session

import "time"

// Peer is the per-remote-participant record. Entries are created on join
// notifications and destroyed on leave or timeout; none outlives the session.
type Peer struct {
	ID          string
	DisplayName string
	JoinedAt    time.Time
	LastSeen    time.Time
	RTTMillis   float64
	PacketsIn   uint64
	PacketsOut  uint64
}

// peerTable owns the peer map. Readers get copies, never references.
type peerTable struct {
	peers map[string]*Peer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*Peer)}
}

func (t *peerTable) add(id, name string, now time.Time) *Peer {
	peer, ok := t.peers[id]
	if !ok {
		peer = &Peer{ID: id, JoinedAt: now}
		t.peers[id] = peer
	}
	if name != "" {
		peer.DisplayName = name
	}
	peer.LastSeen = now
	return peer
}

func (t *peerTable) remove(id string) bool {
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

func (t *peerTable) noteInbound(id string, now time.Time) {
	if peer, ok := t.peers[id]; ok {
		peer.PacketsIn++
		peer.LastSeen = now
	}
}

func (t *peerTable) snapshot() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, *peer)
	}
	return out
}

func (t *peerTable) clear() {
	t.peers = make(map[string]*Peer)
}

func (t *peerTable) len() int {
	return len(t.peers)
}

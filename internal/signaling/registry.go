package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks every connected peer by id.
type Registry struct {
	peers map[string]*Peer
	mu    sync.RWMutex
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
	}
}

// Register adds peer, assigning a random UUID when its id is empty or taken.
func (r *Registry) Register(peer *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	for peer.ID == "" || r.peers[peer.ID] != nil {
		peer.ID = uuid.NewString()
	}
	r.peers[peer.ID] = peer
	return peer
}

// Unregister removes a peer from the registry.
func (r *Registry) Unregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Get retrieves a peer by ID. Returns nil if not found.
func (r *Registry) Get(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[peerID]
}

// Count returns the total number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// All returns a snapshot of all peers.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Stale returns the peers not seen since now minus timeout. Closing them ends
// their read loops, which unregister them.
func (r *Registry) Stale(timeout time.Duration) []*Peer {
	cutoff := time.Now().Add(-timeout)

	var stale []*Peer
	for _, p := range r.All() {
		if p.LastSeen().Before(cutoff) {
			stale = append(stale, p)
		}
	}
	return stale
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	TotalPeers       int
	PeersWithoutRoom int
	PeersByRoom      map[string]int
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("TotalPeers=%d, WithoutRoom=%d, Rooms=%d",
		s.TotalPeers, s.PeersWithoutRoom, len(s.PeersByRoom))
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{PeersByRoom: make(map[string]int)}
	for _, p := range r.All() {
		stats.TotalPeers++
		if roomID := p.RoomID(); roomID != "" {
			stats.PeersByRoom[roomID]++
		} else {
			stats.PeersWithoutRoom++
		}
	}
	return stats
}

package signaling

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MaxRoomPeers is the room capacity: a session talks to exactly one peer.
const MaxRoomPeers = 2

// Room groups the peers that want to reach each other.
type Room struct {
	ID        string
	CreatedAt time.Time
	MaxPeers  int // 0 = unlimited

	peers map[string]*Peer
	mu    sync.RWMutex
}

func NewRoom(id string, maxPeers int) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		MaxPeers:  maxPeers,
		peers:     make(map[string]*Peer),
	}
}

// ErrRoomFull is wrapped by Add when the room is at capacity.
var ErrRoomFull = errors.New("room is full")

// Add adds a peer to the room.
func (r *Room) Add(peer *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peer.ID]; exists {
		return nil
	}
	if r.MaxPeers > 0 && len(r.peers) >= r.MaxPeers {
		return fmt.Errorf("%w: %s holds %d peers", ErrRoomFull, r.ID, r.MaxPeers)
	}

	r.peers[peer.ID] = peer
	peer.setRoomID(r.ID)
	return nil
}

// Remove removes a peer from the room.
func (r *Room) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, exists := r.peers[peerID]; exists {
		if peer.RoomID() == r.ID {
			peer.setRoomID("")
		}
		delete(r.peers, peerID)
	}
}

func (r *Room) Contains(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[peerID]
	return exists
}

// Peers returns the members ordered by join time.
func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers
}

// PeerInfos returns PeerInfo for all members, ordered by join time.
func (r *Room) PeerInfos() []PeerInfo {
	peers := r.Peers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info())
	}
	return infos
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) IsEmpty() bool {
	return r.Count() == 0
}

// Broadcast sends msg to every member except the excluded ones and returns
// the send errors keyed by peer id.
func (r *Room) Broadcast(msg *Message, excludeIDs ...string) map[string]error {
	exclude := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = true
	}

	var failed map[string]error
	for _, p := range r.Peers() {
		if exclude[p.ID] {
			continue
		}
		if err := p.Send(msg); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[p.ID] = err
		}
	}
	return failed
}

// RoomManager owns the rooms. A room is created by its first JOIN and dropped
// when its last member leaves.
type RoomManager struct {
	rooms map[string]*Room
	mu    sync.Mutex

	MaxPeers int
}

func NewRoomManager(maxPeers int) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*Room),
		MaxPeers: maxPeers,
	}
}

// Get retrieves a room by ID. Returns nil if not found.
func (rm *RoomManager) Get(roomID string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.rooms[roomID]
}

// Count returns the number of rooms.
func (rm *RoomManager) Count() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}

// JoinRoom moves peer into roomID, creating the room if necessary. A peer
// that cannot enter a full room stays where it was.
func (rm *RoomManager) JoinRoom(peer *Peer, roomID string) (*Room, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, exists := rm.rooms[roomID]
	if !exists {
		room = NewRoom(roomID, rm.MaxPeers)
	}

	previous := peer.RoomID()
	if err := room.Add(peer); err != nil {
		return nil, err
	}
	rm.rooms[roomID] = room

	if previous != "" && previous != roomID {
		rm.removeLocked(peer.ID, previous)
	}
	return room, nil
}

// LeaveRoom removes peer from its room and returns the room it left, or nil.
func (rm *RoomManager) LeaveRoom(peer *Peer) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	roomID := peer.RoomID()
	if roomID == "" {
		return nil
	}
	return rm.removeLocked(peer.ID, roomID)
}

func (rm *RoomManager) removeLocked(peerID, roomID string) *Room {
	room, exists := rm.rooms[roomID]
	if !exists {
		return nil
	}
	room.Remove(peerID)
	if room.IsEmpty() {
		delete(rm.rooms, roomID)
	}
	return room
}

// RoomInfo describes a room for the HTTP API.
type RoomInfo struct {
	ID        string    `json:"id"`
	PeerCount int       `json:"peer_count"`
	MaxPeers  int       `json:"max_peers"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomStats contains room manager statistics.
type RoomStats struct {
	TotalRooms int
	TotalPeers int
	Rooms      []RoomInfo
}

// Stats returns room statistics, rooms sorted by id.
func (rm *RoomManager) Stats() RoomStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	stats := RoomStats{
		TotalRooms: len(rm.rooms),
		Rooms:      make([]RoomInfo, 0, len(rm.rooms)),
	}
	for _, room := range rm.rooms {
		count := room.Count()
		stats.TotalPeers += count
		stats.Rooms = append(stats.Rooms, RoomInfo{
			ID:        room.ID,
			PeerCount: count,
			MaxPeers:  room.MaxPeers,
			CreatedAt: room.CreatedAt,
		})
	}
	sort.Slice(stats.Rooms, func(i, j int) bool { return stats.Rooms[i].ID < stats.Rooms[j].ID })
	return stats
}

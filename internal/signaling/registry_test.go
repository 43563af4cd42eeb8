package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAssignsUUID(t *testing.T) {
	r := NewRegistry()
	peer := r.Register(NewPeer("", nil))

	_, err := uuid.Parse(peer.ID)
	require.NoError(t, err)
	assert.Same(t, peer, r.Get(peer.ID))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRegisterReplacesTakenID(t *testing.T) {
	r := NewRegistry()
	first := r.Register(NewPeer("dup", nil))
	second := r.Register(NewPeer("dup", nil))

	assert.Equal(t, "dup", first.ID)
	assert.NotEqual(t, "dup", second.ID)
	assert.Equal(t, 2, r.Count())
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	peer := r.Register(NewPeer("", nil))

	r.Unregister(peer.ID)
	assert.Nil(t, r.Get(peer.ID))
	assert.Equal(t, 0, r.Count())

	// Unknown ids are ignored
	r.Unregister("missing")
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry()
	rm := NewRoomManager(MaxRoomPeers)

	p1 := r.Register(NewPeer("", nil))
	p2 := r.Register(NewPeer("", nil))
	r.Register(NewPeer("", nil))
	_, err := rm.JoinRoom(p1, "room-a")
	require.NoError(t, err)
	_, err = rm.JoinRoom(p2, "room-a")
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalPeers)
	assert.Equal(t, 1, stats.PeersWithoutRoom)
	assert.Equal(t, map[string]int{"room-a": 2}, stats.PeersByRoom)
	assert.Equal(t, "TotalPeers=3, WithoutRoom=1, Rooms=1", stats.String())
}

func TestRegistryStale(t *testing.T) {
	r := NewRegistry()
	old := r.Register(NewPeer("", nil))
	fresh := r.Register(NewPeer("", nil))

	old.mu.Lock()
	old.lastSeen = time.Now().Add(-time.Hour)
	old.mu.Unlock()
	fresh.Touch()

	stale := r.Stale(time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer := r.Register(NewPeer("", nil))
			r.Get(peer.ID)
			r.Stats()
			r.Unregister(peer.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}

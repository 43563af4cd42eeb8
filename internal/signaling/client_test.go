package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/holechat/internal/metrics"
	"github.com/saintparish4/holechat/pkg/types"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialAssignsPeerID(t *testing.T) {
	s, url := startServer(t, Config{})
	c := dial(t, url)

	assert.NotEmpty(t, c.PeerID())
	require.Eventually(t, func() bool { return s.Registry().Get(c.PeerID()) != nil }, time.Second, 10*time.Millisecond)
	assert.NoError(t, c.KeepAlive(ctxTimeout(t)))
}

func TestDialRefused(t *testing.T) {
	_, err := Dial(ctxTimeout(t), "ws://127.0.0.1:1/ws", nil)
	assert.Error(t, err)
}

func TestJoinExchangesEndpoints(t *testing.T) {
	_, url := startServer(t, Config{})
	alice := dial(t, url)
	bob := dial(t, url)

	aliceEndpoint := &types.Endpoint{IP: "198.51.100.1", Port: 40001}
	bobEndpoint := &types.Endpoint{IP: "203.0.113.2", Port: 40002}

	peers, err := alice.Join(ctxTimeout(t), "lobby", "alice", aliceEndpoint)
	require.NoError(t, err)
	assert.Empty(t, peers)

	peers, err = bob.Join(ctxTimeout(t), "lobby", "bob", bobEndpoint)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, alice.PeerID(), peers[0].PeerID)
	assert.Equal(t, "alice", peers[0].Name)
	assert.Equal(t, *aliceEndpoint, *peers[0].Endpoint)

	select {
	case ev := <-alice.Events():
		assert.Equal(t, MessageTypePeerJoined, ev.Type)
		assert.Equal(t, "lobby", ev.RoomID)
		assert.Equal(t, bob.PeerID(), ev.Peer.PeerID)
		require.NotNil(t, ev.Peer.Endpoint)
		assert.Equal(t, *bobEndpoint, *ev.Peer.Endpoint)
	case <-time.After(2 * time.Second):
		t.Fatal("no PEER_JOINED for alice")
	}
}

func TestRendezvous(t *testing.T) {
	_, url := startServer(t, Config{})
	alice := dial(t, url)
	bob := dial(t, url)

	type result struct {
		peer PeerInfo
		err  error
	}
	found := make(chan result, 1)
	ctx := ctxTimeout(t)
	go func() {
		peer, err := alice.Rendezvous(ctx, "pair", "alice", &types.Endpoint{IP: "198.51.100.1", Port: 1111})
		found <- result{peer, err}
	}()

	// Let alice join first so she has to wait for the announcement
	time.Sleep(100 * time.Millisecond)
	peer, err := bob.Rendezvous(ctxTimeout(t), "pair", "bob", &types.Endpoint{IP: "203.0.113.2", Port: 2222})
	require.NoError(t, err)
	assert.Equal(t, 1111, peer.Endpoint.Port)

	select {
	case r := <-found:
		require.NoError(t, r.err)
		assert.Equal(t, 2222, r.peer.Endpoint.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("alice never saw bob")
	}
}

func TestJoinRoomFull(t *testing.T) {
	_, url := startServer(t, Config{})
	for i := 0; i < MaxRoomPeers; i++ {
		_, err := dial(t, url).Join(ctxTimeout(t), "busy", "", nil)
		require.NoError(t, err)
	}

	_, err := dial(t, url).Join(ctxTimeout(t), "busy", "", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeRoomFull))
}

func TestJoinErrors(t *testing.T) {
	_, url := startServer(t, Config{})
	c := dial(t, url)

	_, err := c.Join(ctxTimeout(t), "  ", "", nil)
	assert.True(t, IsCode(err, ErrorCodeInvalidMessage))

	_, err = c.Join(ctxTimeout(t), "room", "", nil)
	require.NoError(t, err)
	_, err = c.Join(ctxTimeout(t), "room", "", nil)
	assert.True(t, IsCode(err, ErrorCodeAlreadyInRoom))

	require.NoError(t, c.Leave(ctxTimeout(t)))
	assert.True(t, IsCode(c.Leave(ctxTimeout(t)), ErrorCodeNotInRoom))
}

func TestPeerLeftOnDisconnect(t *testing.T) {
	s, url := startServer(t, Config{})
	alice := dial(t, url)
	bob := dial(t, url)

	_, err := alice.Join(ctxTimeout(t), "lobby", "", nil)
	require.NoError(t, err)
	_, err = bob.Join(ctxTimeout(t), "lobby", "", nil)
	require.NoError(t, err)
	<-alice.Events() // PEER_JOINED

	require.NoError(t, bob.Close())

	select {
	case ev := <-alice.Events():
		assert.Equal(t, MessageTypePeerLeft, ev.Type)
		assert.Equal(t, bob.PeerID(), ev.Peer.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no PEER_LEFT for alice")
	}

	require.Eventually(t, func() bool { return s.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Rooms().Get("lobby").Count())
}

// gauge returns the value of an unlabelled gauge, or -1 if it is missing.
func gauge(m *metrics.Metrics, name string) float64 {
	families, err := m.Registry().Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) == 1 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func TestServerGauges(t *testing.T) {
	m := metrics.New()
	_, url := startServer(t, Config{Metrics: m})
	c := dial(t, url)
	_, err := c.Join(ctxTimeout(t), "lobby", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, gauge(m, "holechat_signaling_rooms"))
	assert.Equal(t, 1.0, gauge(m, "holechat_signaling_peers"))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return gauge(m, "holechat_signaling_peers") == 0 && gauge(m, "holechat_signaling_rooms") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClientClosedByServer(t *testing.T) {
	s, url := startServer(t, Config{})
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
	assert.Error(t, c.Err())
	_, err := c.Join(ctxTimeout(t), "late", "", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

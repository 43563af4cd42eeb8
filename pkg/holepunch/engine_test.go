package holepunch

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/holechat/pkg/types"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(conn *net.UDPConn) *net.UDPAddr {
	return conn.LocalAddr().(*net.UDPAddr)
}

// newServedEngine returns an engine on a loopback socket with a minimal
// reader feeding control packets back into it.
func newServedEngine(t *testing.T, cfg Config) (*Engine, *net.UDPConn) {
	t.Helper()
	conn := listen(t)
	engine := NewEngine(conn, cfg)

	go func() {
		buf := make([]byte, BufferSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := Classify(append([]byte(nil), buf[:n]...))
			if pkt.IsControl() {
				engine.HandleControl(pkt, from)
			}
		}
	}()
	return engine, conn
}

// readToken reads one datagram from conn within a second.
func readToken(t *testing.T, conn *net.UDPConn) (string, *net.UDPAddr) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, BufferSize)
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n]), from
}

// startEcho answers every PING with PONG.
func startEcho(t *testing.T) *net.UDPConn {
	conn := listen(t)
	go func() {
		buf := make([]byte, BufferSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == TokenPing {
				conn.WriteToUDP([]byte(TokenPong), from)
			}
		}
	}()
	return conn
}

func fastConfig() Config {
	return Config{
		PunchAttempts: 1000,
		PunchInterval: time.Millisecond,
		TestTimeout:   300 * time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		data     string
		expected Kind
	}{
		{"PUNCH", KindPunch},
		{"PUNCH_ACK", KindPunchAck},
		{"PING", KindPing},
		{"PONG", KindPong},
		{"hello", KindMessage},
		{"punch", KindMessage},
		{"PING ", KindMessage},
		{"", KindMessage},
	}

	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			pkt := Classify([]byte(tt.data))
			assert.Equal(t, tt.expected, pkt.Kind)
			if tt.expected == KindMessage {
				assert.Equal(t, []byte(tt.data), pkt.Payload)
			}
		})
	}

	assert.True(t, IsReserved("PONG"))
	assert.False(t, IsReserved("PONGS"))
}

func TestClassifyInvalidUTF8(t *testing.T) {
	pkt := Classify([]byte{0xff, 0xfe})
	assert.Equal(t, KindMessage, pkt.Kind)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "Testing", Testing.String())
	assert.Equal(t, "Punching", Punching.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := NewEngine(nil, Config{}).Config()
	assert.Equal(t, DefaultPunchAttempts, cfg.PunchAttempts)
	assert.Equal(t, DefaultPunchInterval, cfg.PunchInterval)
	assert.Equal(t, DefaultTestTimeout, cfg.TestTimeout)
	assert.Equal(t, DefaultConfig().PunchAttempts, cfg.PunchAttempts)
}

func TestPunchFromPeerWhilePunching(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	target := listen(t)
	peerA := listen(t)

	done := make(chan PunchReport, 1)
	go func() {
		report, err := engine.Punch(context.Background(), addrOf(target))
		assert.NoError(t, err)
		done <- report
	}()

	// Let a few punches through before A answers
	for i := 0; i < 5; i++ {
		token, _ := readToken(t, target)
		assert.Equal(t, TokenPunch, token)
	}
	assert.Equal(t, Punching, engine.State())

	_, err := peerA.WriteToUDP([]byte(TokenPunch), addrOf(conn))
	require.NoError(t, err)

	select {
	case report := <-done:
		assert.True(t, report.Connected)
		assert.Less(t, report.Attempts, 1000)
	case <-time.After(5 * time.Second):
		t.Fatal("punch burst did not stop after connecting")
	}

	state, peer := engine.Snapshot()
	assert.Equal(t, Connected, state)
	assert.Equal(t, addrOf(peerA).Port, peer.Port)

	token, from := readToken(t, peerA)
	assert.Equal(t, TokenPunchAck, token)
	assert.Equal(t, addrOf(conn).Port, from.Port)
}

func TestPunchAckConnects(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	peer := listen(t)

	_, err := peer.WriteToUDP([]byte(TokenPunchAck), addrOf(conn))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return engine.State() == Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, addrOf(peer).Port, engine.Peer().Port)
}

func TestLastPunchWins(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	first := listen(t)
	second := listen(t)

	first.WriteToUDP([]byte(TokenPunch), addrOf(conn))
	require.Eventually(t, func() bool { return engine.State() == Connected }, time.Second, 5*time.Millisecond)

	second.WriteToUDP([]byte(TokenPunch), addrOf(conn))
	require.Eventually(t, func() bool {
		peer := engine.Peer()
		return peer != nil && peer.Port == addrOf(second).Port
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, engine.State())
}

func TestPingRepliesPong(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	prober := listen(t)

	_, err := prober.WriteToUDP([]byte(TokenPing), addrOf(conn))
	require.NoError(t, err)

	token, from := readToken(t, prober)
	assert.Equal(t, TokenPong, token)
	assert.Equal(t, addrOf(conn).Port, from.Port)
	assert.Equal(t, Idle, engine.State())
	assert.Nil(t, engine.Peer())
}

func TestConnectivityTest(t *testing.T) {
	engine, _ := newServedEngine(t, fastConfig())
	echo := startEcho(t)

	require.NoError(t, engine.Test(context.Background(), addrOf(echo)))
	assert.Equal(t, Idle, engine.State())
}

func TestConnectivityTestSinglePong(t *testing.T) {
	conn := listen(t)
	engine := NewEngine(conn, fastConfig())
	echo := startEcho(t)

	var pongs atomic.Int32
	go func() {
		buf := make([]byte, BufferSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if pkt := Classify(buf[:n]); pkt.Kind == KindPong {
				pongs.Add(1)
				engine.HandleControl(pkt, from)
			}
		}
	}()

	require.NoError(t, engine.Test(context.Background(), addrOf(echo)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), pongs.Load())
}

func TestConnectivityTestTimeout(t *testing.T) {
	engine, _ := newServedEngine(t, fastConfig())
	silent := listen(t)

	start := time.Now()
	err := engine.Test(context.Background(), addrOf(silent))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ConnectivityTestFailure))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Idle, engine.State())

	// The PING did go out
	token, _ := readToken(t, silent)
	assert.Equal(t, TokenPing, token)
}

func TestConnectivityTestIgnoresOtherSender(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	target := listen(t)
	impostor := listen(t)

	go func() {
		target.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := target.ReadFromUDP(make([]byte, BufferSize)); err == nil {
			impostor.WriteToUDP([]byte(TokenPong), addrOf(conn))
		}
	}()

	err := engine.Test(context.Background(), addrOf(target))
	assert.True(t, types.IsKind(err, types.ConnectivityTestFailure))
}

func TestConnectDeclined(t *testing.T) {
	engine, _ := newServedEngine(t, fastConfig())
	silent := listen(t)

	err := engine.Connect(context.Background(), addrOf(silent), NeverProceed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.True(t, types.IsKind(err, types.ConnectivityTestFailure))
	assert.Equal(t, Idle, engine.State())
	assert.Nil(t, engine.Peer())

	token, _ := readToken(t, silent)
	assert.Equal(t, TokenPing, token)

	// Nothing but the PING
	require.NoError(t, silent.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = silent.ReadFromUDP(make([]byte, BufferSize))
	assert.Error(t, err)
}

func TestConnectCancelledKeepsNoPeer(t *testing.T) {
	cfg := fastConfig()
	cfg.TestTimeout = 5 * time.Second
	engine, _ := newServedEngine(t, cfg)
	silent := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := engine.Connect(ctx, addrOf(silent), AlwaysProceed)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeclined)

	state, peer := engine.Snapshot()
	assert.Equal(t, Idle, state)
	assert.Nil(t, peer)
}

func TestConnectProceedUnanswered(t *testing.T) {
	cfg := fastConfig()
	cfg.PunchAttempts = 5
	cfg.TestTimeout = 50 * time.Millisecond
	engine, _ := newServedEngine(t, cfg)
	silent := listen(t)

	var asked bool
	policy := func(addr *net.UDPAddr, testErr error) bool {
		asked = true
		assert.True(t, types.IsKind(testErr, types.ConnectivityTestFailure))
		return true
	}

	err := engine.Connect(context.Background(), addrOf(silent), policy)
	assert.ErrorIs(t, err, ErrUnanswered)
	assert.True(t, asked)
	assert.Equal(t, Punching, engine.State())
	assert.Equal(t, addrOf(silent).Port, engine.Peer().Port)

	token, _ := readToken(t, silent)
	assert.Equal(t, TokenPing, token)
	for i := 0; i < 5; i++ {
		token, _ := readToken(t, silent)
		assert.Equal(t, TokenPunch, token)
	}
}

func TestConnectBothEngines(t *testing.T) {
	a, connA := newServedEngine(t, fastConfig())
	b, connB := newServedEngine(t, fastConfig())

	require.NoError(t, a.Connect(context.Background(), addrOf(connB), NeverProceed))

	assert.Equal(t, Connected, a.State())
	assert.Equal(t, addrOf(connB).Port, a.Peer().Port)
	require.Eventually(t, func() bool { return b.State() == Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, addrOf(connA).Port, b.Peer().Port)
}

func TestConnectWhileConnected(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	peer := listen(t)
	peer.WriteToUDP([]byte(TokenPunch), addrOf(conn))
	require.Eventually(t, func() bool { return engine.State() == Connected }, time.Second, 5*time.Millisecond)

	err := engine.Connect(context.Background(), addrOf(listen(t)), AlwaysProceed)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, addrOf(peer).Port, engine.Peer().Port)
}

type failingConn struct {
	net.PacketConn
	writes atomic.Int32
}

func (c *failingConn) WriteTo([]byte, net.Addr) (int, error) {
	c.writes.Add(1)
	return 0, errors.New("network is unreachable")
}

func TestPunchSendErrorsDoNotAbort(t *testing.T) {
	conn := &failingConn{}
	cfg := fastConfig()
	cfg.PunchAttempts = 20
	engine := NewEngine(conn, cfg)

	report, err := engine.Punch(context.Background(), &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9})
	require.NoError(t, err)
	assert.Equal(t, 20, report.Attempts)
	assert.Equal(t, 20, report.SendErrors)
	assert.False(t, report.Connected)
	assert.Equal(t, int32(20), conn.writes.Load())
}

func TestPunchCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.PunchInterval = 50 * time.Millisecond
	engine := NewEngine(&failingConn{}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	report, err := engine.Punch(ctx, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9})
	assert.Error(t, err)
	assert.Less(t, report.Attempts, cfg.PunchAttempts)
}

func TestSendWithoutPeer(t *testing.T) {
	engine := NewEngine(&failingConn{}, fastConfig())
	err := engine.Send([]byte("hi"), nil)
	assert.ErrorIs(t, err, ErrNoPeer)
	assert.True(t, types.IsKind(err, types.SendFailure))
}

func TestSubscribeAndDisconnect(t *testing.T) {
	engine, conn := newServedEngine(t, fastConfig())
	changes := engine.Subscribe()
	peer := listen(t)

	peer.WriteToUDP([]byte(TokenPunch), addrOf(conn))

	select {
	case change := <-changes:
		assert.Equal(t, Idle, change.From)
		assert.Equal(t, Connected, change.To)
		assert.Equal(t, addrOf(peer).Port, change.Peer.Port)
	case <-time.After(time.Second):
		t.Fatal("no state change delivered")
	}

	engine.Disconnect()
	change := <-changes
	assert.Equal(t, Idle, change.To)
	assert.Nil(t, engine.Peer())
	assert.Equal(t, Idle, engine.State())
}

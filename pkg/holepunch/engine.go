// Package holepunch drives the connectivity test and punch handshake over a
// socket shared with the chat listener. The engine never reads the socket:
// the listener hands it every control packet through HandleControl.
package holepunch

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/holechat/internal/metrics"
	"github.com/saintparish4/holechat/pkg/types"
)

const (
	// DefaultPunchAttempts is the size of one punch burst
	DefaultPunchAttempts = 1000

	// DefaultPunchInterval between punch packets
	DefaultPunchInterval = 10 * time.Millisecond

	// DefaultTestTimeout for a PING/PONG round trip
	DefaultTestTimeout = 3 * time.Second

	subscriberBuffer = 16
)

// ErrNoPeer is returned when a send has no destination.
var ErrNoPeer = errors.New("no peer address")

// Config holds the engine's tuning and collaborators.
type Config struct {
	PunchAttempts int
	PunchInterval time.Duration
	TestTimeout   time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		PunchAttempts: DefaultPunchAttempts,
		PunchInterval: DefaultPunchInterval,
		TestTimeout:   DefaultTestTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.PunchAttempts <= 0 {
		c.PunchAttempts = DefaultPunchAttempts
	}
	if c.PunchInterval <= 0 {
		c.PunchInterval = DefaultPunchInterval
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = DefaultTestTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Engine owns the connection state and peer address of one session.
type Engine struct {
	conn    net.PacketConn
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	peer        *net.UDPAddr
	waiters     map[netip.AddrPort][]chan struct{}
	subscribers []chan StateChange
}

// NewEngine creates an Idle engine writing to conn.
func NewEngine(conn net.PacketConn, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		state:   Idle,
		waiters: make(map[netip.AddrPort][]chan struct{}),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Peer returns a copy of the current peer address, or nil.
func (e *Engine) Peer() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyAddr(e.peer)
}

// Snapshot returns state and peer read together.
func (e *Engine) Snapshot() (State, *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, copyAddr(e.peer)
}

// Subscribe returns a channel receiving every state change from now on.
// Changes are dropped for a subscriber whose buffer is full.
func (e *Engine) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, subscriberBuffer)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// Send writes one datagram to the given address. It is the only write path of
// the session.
func (e *Engine) Send(payload []byte, to net.Addr) error {
	if to == nil {
		return types.NewError(types.SendFailure, "send", ErrNoPeer)
	}
	if _, err := e.conn.WriteTo(payload, to); err != nil {
		return types.NewError(types.SendFailure, "send", err)
	}
	e.metrics.DatagramSent(Classify(payload).Kind.String())
	return nil
}

// HandleControl applies a control packet received from the given address.
func (e *Engine) HandleControl(pkt Packet, from *net.UDPAddr) {
	switch pkt.Kind {
	case KindPunch:
		e.connected(from)
		if err := e.Send(encode(KindPunchAck), from); err != nil {
			e.logger.Warn("failed to acknowledge punch", zap.Stringer("peer", from), zap.Error(err))
		}

	case KindPunchAck:
		e.connected(from)

	case KindPing:
		if err := e.Send(encode(KindPong), from); err != nil {
			e.logger.Warn("failed to answer ping", zap.Stringer("from", from), zap.Error(err))
		}

	case KindPong:
		e.deliverPong(from)
	}
}

// Disconnect forgets the peer and returns to Idle.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStateLocked(Idle, nil)
}

// connected records from as the peer. A later packet from another address wins.
func (e *Engine) connected(from *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Connected && sameAddr(e.peer, from) {
		return
	}
	e.setStateLocked(Connected, copyAddr(from))
	e.logger.Info("peer connected", zap.Stringer("peer", from))
}

func (e *Engine) deliverPong(from *net.UDPAddr) {
	key := addrKey(from)

	e.mu.Lock()
	defer e.mu.Unlock()

	waiters := e.waiters[key]
	if len(waiters) == 0 {
		e.logger.Debug("unsolicited pong", zap.Stringer("from", from))
		return
	}
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) addWaiter(addr *net.UDPAddr) (netip.AddrPort, chan struct{}) {
	key := addrKey(addr)
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.waiters[key] = append(e.waiters[key], ch)
	e.mu.Unlock()
	return key, ch
}

func (e *Engine) removeWaiterLocked(key netip.AddrPort, ch chan struct{}) {
	waiters := e.waiters[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(e.waiters, key)
	} else {
		e.waiters[key] = waiters
	}
}

// setStateLocked changes state and peer and notifies subscribers. Callers hold mu.
func (e *Engine) setStateLocked(to State, peer *net.UDPAddr) {
	from := e.state
	e.state = to
	e.peer = peer
	if from == to {
		return
	}

	e.metrics.StateChanged(to.String())
	e.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))

	change := StateChange{From: from, To: to, Peer: copyAddr(peer), At: e.cfg.Clock.Now()}
	for _, ch := range e.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

func addrKey(addr *net.UDPAddr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return addrKey(a) == addrKey(b)
}

func copyAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}

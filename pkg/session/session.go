// Package session owns the process's UDP socket and composes discovery, the
// hole-punch engine, the chat channel and the listener around it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/holechat/internal/metrics"
	"github.com/saintparish4/holechat/pkg/chat"
	"github.com/saintparish4/holechat/pkg/holepunch"
	"github.com/saintparish4/holechat/pkg/netutil"
	"github.com/saintparish4/holechat/pkg/stun"
	"github.com/saintparish4/holechat/pkg/types"
)

var (
	// ErrStarted is returned by Discover and Start once the listener runs.
	ErrStarted = errors.New("session already started")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Config holds everything needed to open a session.
type Config struct {
	Port     int
	BindHost string

	STUNServer  string
	STUNTimeout time.Duration
	// StrictSTUN decodes the response fully and checks the transaction ID.
	StrictSTUN bool
	// HelperCommands enables the external helper discovery when non-empty.
	HelperCommands [][]string
	HelperTimeout  time.Duration

	Engine       holepunch.Config
	Chat         chat.Config
	PollInterval time.Duration

	OnMessage func(chat.Message)
	OnControl func(pkt holepunch.Packet, from *net.UDPAddr)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Status is a point-in-time view of the session.
type Status struct {
	LocalPort    int
	LocalAddr    net.IP
	Public       *types.Endpoint
	PublicSource string
	State        holepunch.State
	Peer         *net.UDPAddr
}

// Session is the single peer-to-peer session of the process.
type Session struct {
	conn      *net.UDPConn
	localAddr net.IP
	engine    *holepunch.Engine
	channel   *chat.Channel
	listener  *chat.Listener
	chain     *stun.Chain
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	public *stun.Result

	// runMu orders Start against Close.
	runMu   sync.Mutex
	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	group   errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Open binds the session socket. If the requested port is taken it falls back
// to an OS-assigned port; only a failure of both binds is returned.
func Open(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger

	conn, err := netutil.ListenUDP(cfg.BindHost, cfg.Port)
	if err != nil {
		if cfg.Port == 0 || !types.IsKind(err, types.BindFailure) {
			return nil, err
		}
		logger.Warn("requested port unavailable, using a random port", zap.Int("port", cfg.Port), zap.Error(err))
		conn, err = netutil.ListenUDP(cfg.BindHost, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to bind any UDP port: %w", err)
		}
	}

	s := &Session{
		conn:      conn,
		localAddr: netutil.PreferredLocalAddress(),
		logger:    logger,
		metrics:   cfg.Metrics,
	}

	engineCfg := cfg.Engine
	engineCfg.Clock = cfg.Clock
	engineCfg.Logger = logger.Named("holepunch")
	engineCfg.Metrics = cfg.Metrics
	s.engine = holepunch.NewEngine(conn, engineCfg)

	chatCfg := cfg.Chat
	chatCfg.Clock = cfg.Clock
	chatCfg.Logger = logger.Named("chat")
	s.channel = chat.NewChannel(s.engine, chatCfg)

	s.listener = chat.NewListener(conn, s.engine, s.channel, chat.ListenerConfig{
		PollInterval: cfg.PollInterval,
		OnMessage:    cfg.OnMessage,
		OnControl:    cfg.OnControl,
		Clock:        cfg.Clock,
		Logger:       logger.Named("listener"),
		Metrics:      cfg.Metrics,
	})

	s.chain = &stun.Chain{
		Discoverers: discoverers(cfg, s.LocalEndpoint),
		Logger:      logger.Named("stun"),
	}

	logger.Info("session opened", zap.Int("port", s.LocalPort()), zap.Stringer("local_addr", s.localAddr))
	return s, nil
}

// discoverers returns the discovery methods in priority order.
func discoverers(cfg Config, local func() types.Endpoint) []stun.Discoverer {
	server := cfg.STUNServer
	if server == "" {
		server = stun.DefaultServer
	}

	var list []stun.Discoverer
	if len(cfg.HelperCommands) > 0 {
		list = append(list, &stun.ExternalToolQuery{
			Commands: cfg.HelperCommands,
			Timeout:  cfg.HelperTimeout,
			Logger:   cfg.Logger.Named("helper"),
		})
	}
	if cfg.StrictSTUN {
		list = append(list, &stun.StrictQuery{ServerAddr: server, Timeout: cfg.STUNTimeout})
	} else {
		list = append(list, stun.NewNativeQuery(server, cfg.STUNTimeout))
	}
	return append(list, stun.LocalFallback{Local: local})
}

// LocalPort returns the port the socket is actually bound to.
func (s *Session) LocalPort() int {
	return netutil.BoundPort(s.conn)
}

// LocalAddr returns the best-effort address of the outbound interface.
func (s *Session) LocalAddr() net.IP {
	return s.localAddr
}

// LocalEndpoint combines LocalAddr and LocalPort.
func (s *Session) LocalEndpoint() types.Endpoint {
	return types.Endpoint{IP: s.localAddr.String(), Port: s.LocalPort()}
}

// Discover learns the public endpoint over the session socket. It must run
// before Start, while nothing else reads the socket.
func (s *Session) Discover(ctx context.Context) (*stun.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.started.Load() {
		return nil, ErrStarted
	}

	result, err := s.chain.Discover(ctx, s.conn)
	if err != nil {
		s.metrics.Discovery("all", false)
		return nil, err
	}
	s.metrics.Discovery(result.Source, true)

	s.mu.Lock()
	s.public = result
	s.mu.Unlock()
	return result, nil
}

// Start runs the listener and the keepalive in the background until Close.
func (s *Session) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.group.Go(func() error {
		return s.listener.Run(ctx)
	})
	s.group.Go(func() error {
		s.channel.Keepalive(ctx)
		return nil
	})

	s.logger.Debug("listener started")
	return nil
}

// Connect tests and punches towards addr.
func (s *Session) Connect(ctx context.Context, addr *net.UDPAddr, policy holepunch.ProceedPolicy) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.engine.Connect(ctx, addr, policy)
}

// Test runs a PING/PONG round trip against addr.
func (s *Session) Test(ctx context.Context, addr *net.UDPAddr) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.engine.Test(ctx, addr)
}

// Send sends chat text to the connected peer.
func (s *Session) Send(text string) (chat.Message, error) {
	if s.closed.Load() {
		return chat.Message{}, ErrClosed
	}
	return s.channel.Send(text)
}

// Disconnect forgets the peer.
func (s *Session) Disconnect() {
	s.engine.Disconnect()
}

// Engine returns the session's hole-punch engine.
func (s *Session) Engine() *holepunch.Engine {
	return s.engine
}

// Channel returns the session's chat channel.
func (s *Session) Channel() *chat.Channel {
	return s.channel
}

// Status reports the session's current addresses and connection state.
func (s *Session) Status() Status {
	state, peer := s.engine.Snapshot()
	status := Status{
		LocalPort: s.LocalPort(),
		LocalAddr: s.localAddr,
		State:     state,
		Peer:      peer,
	}

	s.mu.RLock()
	if s.public != nil {
		endpoint := s.public.Endpoint
		status.Public = &endpoint
		status.PublicSource = s.public.Source
	}
	s.mu.RUnlock()
	return status
}

// Close closes the socket once, which stops the listener, and waits for the
// background goroutines to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.runMu.Lock()
		s.closed.Store(true)
		cancel := s.cancel
		s.runMu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.engine.Disconnect()
		s.closeErr = multierr.Combine(
			s.conn.Close(),
			s.group.Wait(),
		)
		s.logger.Info("session closed")
	})
	return s.closeErr
}

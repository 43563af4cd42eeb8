package chat

import (
	"context"
	"errors"
	"net"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/holechat/internal/metrics"
	"github.com/saintparish4/holechat/pkg/holepunch"
	"github.com/saintparish4/holechat/pkg/types"
)

// DefaultPollInterval is the read deadline of one listener iteration.
const DefaultPollInterval = time.Second

// ErrInvalidText marks a received datagram that is not valid UTF-8.
var ErrInvalidText = errors.New("payload is not valid UTF-8")

// ListenerConfig holds the listener's sinks and collaborators.
type ListenerConfig struct {
	PollInterval time.Duration

	// OnMessage receives every decoded chat line. Called from the listener goroutine.
	OnMessage func(Message)
	// OnControl, if set, sees each control packet after the engine handled it.
	OnControl func(pkt holepunch.Packet, from *net.UDPAddr)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Listener is the only reader of the session socket. Control tokens go to the
// engine; everything else is decoded as chat text.
type Listener struct {
	conn    net.PacketConn
	engine  *holepunch.Engine
	channel *Channel
	cfg     ListenerConfig
	logger  *zap.Logger
}

// NewListener creates a listener for conn.
func NewListener(conn net.PacketConn, engine *holepunch.Engine, channel *Channel, cfg ListenerConfig) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Listener{
		conn:    conn,
		engine:  engine,
		channel: channel,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Run reads until the socket is closed or ctx is done. Both end the loop
// within one poll interval and return nil; no other error stops it.
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, holepunch.BufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(l.cfg.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("failed to set read deadline", zap.Error(err))
		}

		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.logger.Debug("listener stopped: socket closed")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.logger.Warn("receive failed", zap.Error(err))
			continue
		}

		l.dispatch(buf[:n], from)
	}
}

func (l *Listener) dispatch(data []byte, from net.Addr) {
	addr, ok := from.(*net.UDPAddr)
	if !ok {
		l.logger.Debug("dropping datagram from non-UDP address", zap.Stringer("from", from))
		return
	}

	pkt := holepunch.Classify(data)
	l.cfg.Metrics.DatagramReceived(pkt.Kind.String())

	if pkt.IsControl() {
		l.engine.HandleControl(pkt, addr)
		if l.cfg.OnControl != nil {
			l.cfg.OnControl(pkt, addr)
		}
		return
	}

	if !utf8.Valid(pkt.Payload) {
		err := types.NewError(types.DecodeFailure, "receive", ErrInvalidText)
		l.logger.Debug("dropping datagram", zap.Stringer("from", addr), zap.Int("size", len(data)), zap.Error(err))
		return
	}

	msg := Message{
		Text: string(pkt.Payload),
		From: addr,
		At:   l.cfg.Clock.Now(),
	}
	if l.channel != nil {
		l.channel.addMessage(msg)
	}
	if l.cfg.OnMessage != nil {
		l.cfg.OnMessage(msg)
	}
}

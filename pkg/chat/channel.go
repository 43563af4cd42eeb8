package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/holechat/pkg/holepunch"
	"github.com/saintparish4/holechat/pkg/types"
)

// DefaultMaxMessages bounds the in-memory history.
const DefaultMaxMessages = 1000

// ErrNotConnected is returned by Send before the handshake completed.
var ErrNotConnected = errors.New("not connected to any peer")

// ErrMessageTooLong is returned by Send for text the peer's receive buffer would truncate.
var ErrMessageTooLong = fmt.Errorf("message longer than %d bytes", holepunch.BufferSize)

// Config holds configuration for a chat channel
type Config struct {
	MaxMessages int
	// KeepaliveInterval between PINGs to the connected peer. Zero disables keepalive.
	KeepaliveInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// Channel sends chat text to the engine's peer and keeps the conversation history.
type Channel struct {
	engine *holepunch.Engine
	clock  clock.Clock
	logger *zap.Logger

	maxMessages       int
	keepaliveInterval time.Duration

	messagesMu sync.RWMutex
	messages   []Message
}

// NewChannel creates a channel writing through engine.
func NewChannel(engine *holepunch.Engine, cfg Config) *Channel {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Channel{
		engine:            engine,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		maxMessages:       cfg.MaxMessages,
		keepaliveInterval: cfg.KeepaliveInterval,
	}
}

// Send emits text to the peer as one datagram. Without a connected peer it
// fails with ErrNotConnected and touches no socket, as does text longer than
// holepunch.BufferSize. A failed write is a SendFailure and leaves the
// connection state alone.
func (c *Channel) Send(text string) (Message, error) {
	state, peer := c.engine.Snapshot()
	if state != holepunch.Connected || peer == nil {
		return Message{}, types.NewError(types.SendFailure, "send", ErrNotConnected)
	}
	if len(text) > holepunch.BufferSize {
		return Message{}, types.NewError(types.SendFailure, "send", ErrMessageTooLong)
	}

	if holepunch.IsReserved(text) {
		c.logger.Warn("message text equals a control token, peer will treat it as one", zap.String("text", text))
	}

	if err := c.engine.Send([]byte(text), peer); err != nil {
		return Message{}, err
	}

	msg := Message{Text: text, To: peer, At: c.clock.Now(), Outgoing: true}
	c.addMessage(msg)
	return msg, nil
}

// Messages returns a copy of the history, oldest first.
func (c *Channel) Messages() []Message {
	c.messagesMu.RLock()
	defer c.messagesMu.RUnlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Keepalive sends PING to the peer every KeepaliveInterval while Connected.
// It returns when ctx is done, immediately if keepalive is disabled.
func (c *Channel) Keepalive(ctx context.Context) {
	if c.keepaliveInterval <= 0 {
		return
	}

	ticker := c.clock.Ticker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, peer := c.engine.Snapshot()
			if state != holepunch.Connected || peer == nil {
				continue
			}
			if err := c.engine.Send([]byte(holepunch.TokenPing), peer); err != nil {
				c.logger.Debug("keepalive failed", zap.Stringer("peer", peer), zap.Error(err))
			}
		}
	}
}

func (c *Channel) addMessage(msg Message) {
	c.messagesMu.Lock()
	defer c.messagesMu.Unlock()

	c.messages = append(c.messages, msg)

	// Trim old messages if needed
	if len(c.messages) > c.maxMessages {
		c.messages = c.messages[len(c.messages)-c.maxMessages:]
	}
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/holechat/pkg/types"
)

// ErrClientClosed is returned once the connection to the server is gone.
var ErrClientClosed = errors.New("signaling connection closed")

const defaultDialTimeout = 10 * time.Second

// Event is a room notification pushed by the server.
type Event struct {
	Type   MessageType
	RoomID string
	Peer   PeerInfo
}

// Client is a connection to a signaling server.
type Client struct {
	conn   *websocket.Conn
	peerID string
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Message

	events    chan Event
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects to the server at url (ws://host:port/ws) and waits for the
// welcome frame carrying the assigned peer id.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDialTimeout)
	}
	conn.SetReadDeadline(deadline)

	var welcome Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if welcome.Type != MessageTypeAck || welcome.PeerID == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected welcome frame %q", welcome.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		peerID:  welcome.PeerID,
		logger:  logger.With(zap.String("peer", welcome.PeerID)),
		pending: make(map[string]chan *Message),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Debug("connected to signaling server", zap.String("url", url))
	return c, nil
}

// PeerID returns the id the server assigned to this client.
func (c *Client) PeerID() string {
	return c.peerID
}

// Events delivers PEER_JOINED and PEER_LEFT notifications. It is closed when
// the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		if msg.RequestID != "" && c.resolve(&msg) {
			continue
		}

		switch msg.Type {
		case MessageTypePeerJoined:
			var info PeerInfo
			if err := msg.ParsePayload(&info); err != nil {
				info = PeerInfo{PeerID: msg.PeerID}
			}
			c.emit(Event{Type: msg.Type, RoomID: msg.RoomID, Peer: info})
		case MessageTypePeerLeft:
			c.emit(Event{Type: msg.Type, RoomID: msg.RoomID, Peer: PeerInfo{PeerID: msg.PeerID}})
		case MessageTypeError:
			c.logger.Warn("signaling error", zap.Error(msg.Err()))
		default:
			c.logger.Debug("ignoring frame", zap.String("type", string(msg.Type)))
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event dropped, nobody is reading", zap.String("type", string(ev.Type)))
	}
}

func (c *Client) resolve(msg *Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	close(c.done)
}

// request sends msg and waits for the ACK or ERROR that answers it.
func (c *Client) request(ctx context.Context, msg *Message) (*Message, error) {
	msg.RequestID = uuid.NewString()
	reply := make(chan *Message, 1)

	c.mu.Lock()
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-reply:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(msg *Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Join enters room, announcing name and endpoint, and returns the other peers
// already there.
func (c *Client) Join(ctx context.Context, room, name string, endpoint *types.Endpoint) ([]PeerInfo, error) {
	msg := NewMessage(MessageTypeJoin).
		WithRoomID(room).
		WithPayload(JoinPayload{Name: name, Endpoint: endpoint})

	resp, err := c.request(ctx, msg)
	if err != nil {
		return nil, err
	}

	var list PeerListPayload
	if err := resp.ParsePayload(&list); err != nil {
		return nil, fmt.Errorf("invalid join reply: %w", err)
	}

	others := make([]PeerInfo, 0, len(list.Peers))
	for _, p := range list.Peers {
		if p.PeerID != c.peerID {
			others = append(others, p)
		}
	}
	return others, nil
}

// Leave exits the current room.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.request(ctx, NewMessage(MessageTypeLeave))
	return err
}

// KeepAlive round-trips a KEEP_ALIVE frame.
func (c *Client) KeepAlive(ctx context.Context) error {
	_, err := c.request(ctx, NewMessage(MessageTypeKeepAlive))
	return err
}

// Rendezvous joins room and returns the first other peer that has announced
// an endpoint, waiting for one to arrive if the room holds none.
func (c *Client) Rendezvous(ctx context.Context, room, name string, endpoint *types.Endpoint) (PeerInfo, error) {
	peers, err := c.Join(ctx, room, name, endpoint)
	if err != nil {
		return PeerInfo{}, err
	}
	for _, p := range peers {
		if p.Endpoint != nil {
			return p, nil
		}
	}

	c.logger.Info("waiting for a peer", zap.String("room", room))
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return PeerInfo{}, ErrClientClosed
			}
			if ev.Type == MessageTypePeerJoined && ev.Peer.Endpoint != nil && ev.Peer.PeerID != c.peerID {
				return ev.Peer, nil
			}
		case <-ctx.Done():
			return PeerInfo{}, ctx.Err()
		}
	}
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame, closes the connection and waits for the reader.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}

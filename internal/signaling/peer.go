package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saintparish4/holechat/pkg/types"
)

// Conn is the part of *websocket.Conn the server uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

var _ Conn = (*websocket.Conn)(nil)

const writeWait = 10 * time.Second

// Peer is a connected websocket client.
type Peer struct {
	ID       string
	JoinedAt time.Time

	conn Conn

	// writeMu serializes frames on conn.
	writeMu sync.Mutex

	mu       sync.Mutex
	name     string
	endpoint *types.Endpoint
	roomID   string
	lastSeen time.Time
	closed   bool
}

// NewPeer wraps conn. The registry assigns the id when it is empty.
func NewPeer(id string, conn Conn) *Peer {
	now := time.Now()
	return &Peer{
		ID:       id,
		conn:     conn,
		JoinedAt: now,
		lastSeen: now,
	}
}

// Send writes msg as a JSON text frame.
func (p *Peer) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.write(websocket.TextMessage, data)
}

// SendError writes an ERROR frame answering the request with requestID.
func (p *Peer) SendError(requestID, code, message string) error {
	return p.Send(NewErrorMessage(code, message).WithPeerID(p.ID).WithRequestID(requestID))
}

func (p *Peer) ping() error {
	return p.write(websocket.PingMessage, nil)
}

func (p *Peer) write(messageType int, data []byte) error {
	if p.IsClosed() {
		return fmt.Errorf("peer %s connection is closed", p.ID)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close closes the connection once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = time.Now()
}

func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Info returns a PeerInfo snapshot for protocol messages.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := PeerInfo{
		PeerID:   p.ID,
		Name:     p.name,
		JoinedAt: p.JoinedAt.UnixMilli(),
	}
	if p.endpoint != nil {
		endpoint := *p.endpoint
		info.Endpoint = &endpoint
	}
	return info
}

// SetProfile records the name and endpoint announced in a JOIN.
func (p *Peer) SetProfile(name string, endpoint *types.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name != "" {
		p.name = name
	}
	if endpoint != nil {
		e := *endpoint
		p.endpoint = &e
	}
}

func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Peer) setRoomID(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID = roomID
}

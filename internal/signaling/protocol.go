// Package signaling implements the websocket rendezvous used by two holechat
// peers to learn each other's public endpoint before punching.
//
// A peer connects to /ws, receives an ACK carrying its assigned peer id, then
// sends JOIN with a room name and its discovered endpoint. The server answers
// with an ACK listing the peers already in the room and announces the newcomer
// to them with PEER_JOINED. Rooms hold at most two peers.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saintparish4/holechat/pkg/types"
)

// MessageType identifies the type of signaling message
type MessageType string

const (
	// Client -> Server messages
	MessageTypeJoin      MessageType = "JOIN"
	MessageTypeLeave     MessageType = "LEAVE"
	MessageTypeKeepAlive MessageType = "KEEP_ALIVE"

	// Server -> Client messages
	MessageTypePeerJoined MessageType = "PEER_JOINED"
	MessageTypePeerLeft   MessageType = "PEER_LEFT"
	MessageTypeError      MessageType = "ERROR"
	MessageTypeAck        MessageType = "ACK"
)

// Message is the envelope of every frame exchanged with the server.
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m *Message) WithPeerID(id string) *Message {
	m.PeerID = id
	return m
}

func (m *Message) WithRoomID(id string) *Message {
	m.RoomID = id
	return m
}

func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// WithPayload sets the payload from any serializable value. Payload types of
// this package always marshal.
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
		return m
	}
	m.Payload = data
	return m
}

// ErrNoPayload is returned by ParsePayload for messages without a payload.
var ErrNoPayload = errors.New("message has no payload")

// ParsePayload unmarshals the message payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return ErrNoPayload
	}
	return json.Unmarshal(m.Payload, v)
}

// JoinPayload is sent with JOIN messages.
type JoinPayload struct {
	Name     string          `json:"name,omitempty"`
	Endpoint *types.Endpoint `json:"endpoint,omitempty"`
}

// PeerInfo describes a room member in ACK and PEER_JOINED messages.
type PeerInfo struct {
	PeerID   string          `json:"peer_id"`
	Name     string          `json:"name,omitempty"`
	Endpoint *types.Endpoint `json:"endpoint,omitempty"`
	JoinedAt int64           `json:"joined_at"`
}

// PeerListPayload answers a JOIN with the room's current members.
type PeerListPayload struct {
	RoomID string     `json:"room_id"`
	Peers  []PeerInfo `json:"peers"`
}

// AckPayload confirms a request that returns no data.
type AckPayload struct {
	Message string `json:"message,omitempty"`
}

// ErrorPayload provides error details.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload.
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodeNotInRoom      = "NOT_IN_ROOM"
	ErrorCodeAlreadyInRoom  = "ALREADY_IN_ROOM"
	ErrorCodeRoomFull       = "ROOM_FULL"
)

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError).WithPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// RemoteError is an ERROR frame received from the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("signaling: %s: %s", e.Code, e.Message)
}

// Err converts an ERROR message to a *RemoteError. Other messages yield nil.
func (m *Message) Err() error {
	if m.Type != MessageTypeError {
		return nil
	}
	var payload ErrorPayload
	if err := m.ParsePayload(&payload); err != nil {
		return &RemoteError{Code: ErrorCodeInvalidMessage, Message: "malformed error frame"}
	}
	return &RemoteError{Code: payload.Code, Message: payload.Message}
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == code
}

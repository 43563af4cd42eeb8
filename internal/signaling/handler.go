package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/holechat/internal/metrics"
)

const maxMessageSize = 32 * 1024

// Handler upgrades /ws requests and runs the signaling protocol per peer.
type Handler struct {
	registry *Registry
	rooms    *RoomManager
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	PingInterval time.Duration
	PongWait     time.Duration
}

// NewHandler creates a websocket handler over registry and rooms.
func NewHandler(registry *Registry, rooms *RoomManager, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		rooms:    rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are CLIs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:       logger,
		metrics:      m,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// ServeHTTP upgrades the connection and serves the peer until it goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	h.serve(NewPeer("", conn))
}

func (h *Handler) serve(peer *Peer) {
	peer = h.registry.Register(peer)
	logger := h.logger.With(zap.String("peer", peer.ID))
	logger.Info("peer connected")
	h.updateGauges()

	done := make(chan struct{})
	defer func() {
		close(done)
		h.handleDisconnect(peer, logger)
	}()

	welcome := NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithPayload(AckPayload{Message: "connected"})
	if err := peer.Send(welcome); err != nil {
		logger.Debug("welcome failed", zap.Error(err))
		return
	}

	go h.pingLoop(peer, done)

	conn := peer.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		peer.Touch()
		return conn.SetReadDeadline(time.Now().Add(h.PongWait))
	})

	h.readLoop(peer, logger)
}

func (h *Handler) readLoop(peer *Peer, logger *zap.Logger) {
	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if !peer.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		peer.Touch()
		peer.conn.SetReadDeadline(time.Now().Add(h.PongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.SendError("", ErrorCodeInvalidMessage, "invalid JSON")
			continue
		}
		msg.PeerID = peer.ID

		if err := h.handleMessage(peer, &msg, logger); err != nil {
			logger.Debug("message failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

func (h *Handler) pingLoop(peer *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := peer.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleDisconnect(peer *Peer, logger *zap.Logger) {
	if room := h.rooms.LeaveRoom(peer); room != nil {
		h.announceLeft(peer, room)
	}
	peer.Close()
	h.registry.Unregister(peer.ID)
	h.updateGauges()
	logger.Info("peer disconnected")
}

func (h *Handler) handleMessage(peer *Peer, msg *Message, logger *zap.Logger) error {
	switch msg.Type {
	case MessageTypeJoin:
		return h.handleJoin(peer, msg, logger)
	case MessageTypeLeave:
		return h.handleLeave(peer, msg, logger)
	case MessageTypeKeepAlive:
		return peer.Send(NewMessage(MessageTypeAck).WithPeerID(peer.ID).WithRequestID(msg.RequestID))
	default:
		return peer.SendError(msg.RequestID, ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleJoin(peer *Peer, msg *Message, logger *zap.Logger) error {
	roomID := strings.TrimSpace(msg.RoomID)
	if roomID == "" {
		return peer.SendError(msg.RequestID, ErrorCodeInvalidMessage, "room_id is required")
	}
	if peer.RoomID() == roomID {
		return peer.SendError(msg.RequestID, ErrorCodeAlreadyInRoom, "already in this room")
	}

	var payload JoinPayload
	if err := msg.ParsePayload(&payload); err != nil && !errors.Is(err, ErrNoPayload) {
		return peer.SendError(msg.RequestID, ErrorCodeInvalidMessage, "invalid join payload")
	}

	previous := peer.RoomID()
	room, err := h.rooms.JoinRoom(peer, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			return peer.SendError(msg.RequestID, ErrorCodeRoomFull, err.Error())
		}
		return peer.SendError(msg.RequestID, ErrorCodeInvalidMessage, err.Error())
	}
	peer.SetProfile(payload.Name, payload.Endpoint)
	h.updateGauges()

	logger.Info("peer joined room", zap.String("room", roomID), zap.Any("endpoint", payload.Endpoint))

	if previous != "" {
		if old := h.rooms.Get(previous); old != nil {
			h.announceLeft(peer, old)
		}
	}

	ack := NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithRequestID(msg.RequestID).
		WithPayload(PeerListPayload{
			RoomID: roomID,
			Peers:  room.PeerInfos(),
		})
	if err := peer.Send(ack); err != nil {
		return err
	}

	joined := NewMessage(MessageTypePeerJoined).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithPayload(peer.Info())
	h.logFailures(room.Broadcast(joined, peer.ID))
	return nil
}

func (h *Handler) handleLeave(peer *Peer, msg *Message, logger *zap.Logger) error {
	room := h.rooms.LeaveRoom(peer)
	if room == nil {
		return peer.SendError(msg.RequestID, ErrorCodeNotInRoom, "not in any room")
	}
	h.updateGauges()
	h.announceLeft(peer, room)
	logger.Info("peer left room", zap.String("room", room.ID))

	ack := NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithRequestID(msg.RequestID).
		WithPayload(AckPayload{Message: "left room"})
	return peer.Send(ack)
}

func (h *Handler) announceLeft(peer *Peer, room *Room) {
	left := NewMessage(MessageTypePeerLeft).
		WithPeerID(peer.ID).
		WithRoomID(room.ID)
	h.logFailures(room.Broadcast(left, peer.ID))
}

func (h *Handler) logFailures(failed map[string]error) {
	for id, err := range failed {
		h.logger.Debug("broadcast failed", zap.String("peer", id), zap.Error(err))
	}
}

func (h *Handler) updateGauges() {
	h.metrics.SetRooms(h.rooms.Count(), h.registry.Count())
}

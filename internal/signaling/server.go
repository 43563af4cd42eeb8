package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/holechat/internal/metrics"
)

// Config holds server configuration options.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	MaxPeers        int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		CleanupInterval: time.Minute,
		StaleTimeout:    5 * time.Minute,
		MaxPeers:        MaxRoomPeers,
	}
}

// Server serves the websocket endpoint and a small JSON API.
type Server struct {
	cfg      Config
	registry *Registry
	rooms    *RoomManager
	handler  *Handler
	mux      *http.ServeMux
	logger   *zap.Logger
	metrics  *metrics.Metrics

	httpServer   *http.Server
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewServer creates a new signaling server with the given configuration.
func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}

	registry := NewRegistry()
	rooms := NewRoomManager(cfg.MaxPeers)

	s := &Server{
		cfg:      cfg,
		registry: registry,
		rooms:    rooms,
		handler:  NewHandler(registry, rooms, cfg.Logger.Named("ws"), cfg.Metrics),
		mux:      http.NewServeMux(),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("/ws", s.handler)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/rooms", s.handleRooms)
	s.mux.HandleFunc("/api/rooms/", s.handleRoom)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/", s.handleNotFound)
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.ReadTimeout,
	}

	go s.cleanupLoop()
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shutdown failed", zap.Error(err))
			}
		case <-s.done:
		}
	}()

	s.logger.Info("signaling server listening", zap.Stringer("addr", ln.Addr()))
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and closes every peer connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		close(s.done)

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		// Hijacked websocket connections are not closed by http.Server.
		for _, peer := range s.registry.All() {
			peer.Close()
		}
	})
	return err
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			stale := s.registry.Stale(s.cfg.StaleTimeout)
			for _, peer := range stale {
				peer.Close()
			}
			if len(stale) > 0 {
				s.logger.Info("closed stale peers", zap.Int("count", len(stale)))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	registryStats := s.registry.Stats()
	roomStats := s.rooms.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": map[string]any{
			"total":        registryStats.TotalPeers,
			"without_room": registryStats.PeersWithoutRoom,
		},
		"rooms": map[string]any{
			"total":       roomStats.TotalRooms,
			"total_peers": roomStats.TotalPeers,
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": s.rooms.Stats().Rooms,
	})
}

// handleRoom serves /api/rooms/{roomID}.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	if roomID == "" {
		http.Error(w, "room ID required", http.StatusBadRequest)
		return
	}

	room := s.rooms.Get(roomID)
	if room == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         room.ID,
		"peers":      room.PeerInfos(),
		"peer_count": room.Count(),
		"max_peers":  room.MaxPeers,
		"created_at": room.CreatedAt.UnixMilli(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// Handler returns the server's routes, for httptest or a custom listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

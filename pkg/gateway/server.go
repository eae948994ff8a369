// Package gateway exposes response run status events to observer clients
// over WebSocket. Observers receive every status.update and status.clear
// as it is published, and may send stop frames to halt a live run.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/pkg/events"
)

// Server is the observer gateway
type Server struct {
	host           string
	port           int
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	broadcaster    *EventBroadcaster
	bus            *events.Bus
	unsubscribes   []events.CancelFunc
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
}

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Bus    *events.Bus
	Logger zerolog.Logger
}

// NewServer creates a new observer gateway
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	clients := NewClientRegistry()

	return &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Start starts the observer gateway
func (s *Server) Start() error {
	for _, kind := range []events.Kind{events.KindStatusUpdate, events.KindStatusClear} {
		cancel := s.bus.Subscribe(kind, func(evt events.Event) {
			s.broadcaster.Broadcast(evt)
		})
		s.unsubscribes = append(s.unsubscribes, cancel)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting observer gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the observer gateway
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down observer gateway")

	for _, cancel := range s.unsubscribes {
		cancel()
	}
	s.unsubscribes = nil

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Observer gateway stopped")
	return nil
}

// handleWebSocket handles observer connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Observer connected")

	go s.handleClient(client)
}

// handleClient reads inbound frames from an observer
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Observer disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleFrame(client, message)
	}
}

// handleFrame dispatches a single inbound frame
func (s *Server) handleFrame(client *Client, message []byte) {
	var frame StopFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Warn().
			Err(err).
			Str("clientId", client.ID).
			Msg("Ignoring malformed frame")
		return
	}

	if frame.Type != "stop" {
		s.logger.Debug().
			Str("clientId", client.ID).
			Str("type", frame.Type).
			Msg("Ignoring unsupported frame type")
		return
	}

	s.logger.Info().
		Str("clientId", client.ID).
		Int64("conversation_id", frame.ConversationID).
		Int("message_id", frame.MessageID).
		Msg("Observer requested stop")

	s.bus.Publish(events.Event{
		Kind:           events.KindStatusStop,
		ConversationID: frame.ConversationID,
		MessageID:      frame.MessageID,
		Timestamp:      time.Now().UnixMilli(),
	})
}

// handleClients reports the connected observers as JSON
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.GetConnectedClients()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode client list")
	}
}

// GetConnectedClients returns information about all connected observers
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// EventMessage is one entry on the operational event stream.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcaster fans operational events out to connected observers.
type Broadcaster struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	clients map[string]*wsClient
	seq     atomic.Int64
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

func (b *Broadcaster) add(c *wsClient) {
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	delete(b.clients, id)
	b.mu.Unlock()
}

// Broadcast sends an event to all connected clients.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.seq.Add(1),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	b.mu.RLock()
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.id).
				Str("event", event).
				Msg("Failed to broadcast to client")
		}
	}
}

// CloseAll closes every client connection.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, client := range b.clients {
		client.conn.Close()
		delete(b.clients, id)
	}
}

// ClientCount returns the number of connected observers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// handleWebSocket upgrades an observer connection onto the event
// stream. Auth is the shared secret in the X-Relayd-Secret header,
// checked before the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if s.sharedSecret != "" && r.Header.Get("X-Relayd-Secret") != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &wsClient{id: clientID, conn: conn}
	s.broadcaster.add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Observer connected")

	go s.readLoop(client)
}

// readLoop drains inbound frames; observers are read-only, so the loop
// only exists to detect disconnects.
func (s *Server) readLoop(client *wsClient) {
	defer func() {
		client.conn.Close()
		s.broadcaster.remove(client.id)
		s.logger.Info().Str("client_id", client.id).Msg("Observer disconnected")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.id).Msg("WebSocket error")
			}
			return
		}
	}
}

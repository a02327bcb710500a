package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardline/guardline/internal/database"
)

const streamWriteTimeout = 5 * time.Second

// StatusEvent is one alert status update pushed to stream subscribers
type StatusEvent struct {
	AlertID   string               `json:"alert_id"`
	Status    database.AlertStatus `json:"status"`
	Settled   bool                 `json:"settled"`
	Timestamp time.Time            `json:"timestamp"`
}

// StreamHandler pushes live alert status updates to WebSocket subscribers.
// It implements the dispatcher's status listener; a slow or dead client is
// dropped rather than allowed to stall dispatch.
type StreamHandler struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler() *StreamHandler {
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// SetupRoutes configures WebSocket routes
func (h *StreamHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/alerts", h.HandleWebSocket)
}

// HandleWebSocket upgrades a subscriber connection and holds it until close
func (h *StreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("StreamHandler: Failed to upgrade WebSocket: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	log.Printf("StreamHandler: Subscriber connected from %s", r.RemoteAddr)

	defer func() {
		h.drop(conn)
		log.Printf("StreamHandler: Subscriber disconnected")
	}()

	// Subscribers never send payloads; the read loop only detects close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// AlertStatusChanged broadcasts one status update to all subscribers
func (h *StreamHandler) AlertStatusChanged(alertID string, status database.AlertStatus, settled bool) {
	event := StatusEvent{
		AlertID:   alertID,
		Status:    status,
		Settled:   settled,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("StreamHandler: Dropping subscriber: %v", err)
			h.drop(conn)
		}
	}
}

func (h *StreamHandler) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// ClientCount returns the number of connected subscribers
func (h *StreamHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

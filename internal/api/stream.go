package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vehicle-telemetry-server/internal/logging"
	"vehicle-telemetry-server/internal/models"
)

const streamWriteTimeout = 5 * time.Second

// Hub pushes each accepted record to connected websocket clients. A client
// that cannot keep up is dropped rather than allowed to stall the others.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, clients: map[*websocket.Conn]chan []byte{}}
}

// Broadcast fans a record out to every connected client.
func (h *Hub) Broadcast(rec *models.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		h.log.Error("marshal stream record", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			// Slow consumer: close and forget it.
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard runs on its own origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades the connection and streams records until the client
// goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}
	ch := s.hub.add(conn)
	defer s.hub.remove(conn)

	// Drain client frames so pings/closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()

	for payload := range ch {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

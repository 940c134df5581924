package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	id      string
	project string // empty receives every project
	send    chan []byte
}

// Hub broadcasts events to connected websocket observers.
// A client whose buffer is full misses events; the hub never blocks on it.
//
// Thread Safety: Hub is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*client), logger: logger}
}

// Emit encodes the event once and queues it on every interested client.
func (h *Hub) Emit(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("drop unencodable event", "event", e.Name, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.project != "" && e.Project != "" && c.project != e.Project {
			continue
		}
		select {
		case c.send <- b:
		default:
			h.logger.Debug("event dropped for slow client", "client", c.id, "event", e.Name)
		}
	}
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the peer goes away.
// The optional "project" query parameter filters project-scoped events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	c := &client{
		id:      uuid.NewString(),
		project: r.URL.Query().Get("project"),
		send:    make(chan []byte, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("event client connected", "client", c.id, "project", c.project)

	done := make(chan struct{})
	go h.readLoop(ws, done)
	h.writeLoop(ws, c, done)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	_ = ws.Close()
	h.logger.Debug("event client disconnected", "client", c.id)
}

// readLoop drains control frames so close and pong are processed.
func (h *Hub) readLoop(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ws *websocket.Conn, c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case b := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Warn("Failed to write WebSocket event", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

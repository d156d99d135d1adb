package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

const (
	hubBacklog = 256
	writeWait  = 2 * time.Second
)

var errHubBacklogFull = errors.New("event hub backlog full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub streams audit events to websocket subscribers. Write never blocks;
// when the backlog is full the event is dropped for subscribers only.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
}

// NewHub returns a hub with no subscribers; Run must be started to deliver
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, hubBacklog),
	}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Write(_ context.Context, e model.Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		return errHubBacklogFull
	}
}

// Run delivers queued events until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				_ = c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					_ = c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the subscriber
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Warn("websocket_upgrade_failed", map[string]any{"error": err, "remote": r.RemoteAddr})
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	observ.Log("websocket_subscriber_added", map[string]any{"remote": r.RemoteAddr})

	// subscribers only listen; reading detects disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if h.clients[conn] {
					_ = conn.Close()
					delete(h.clients, conn)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}

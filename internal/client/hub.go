package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
)

// Event is a single operator-facing lifecycle notification. Purely
// observational: nothing on the data path blocks on a subscriber
// draining its channel.
type Event struct {
	Category  string      `json:"category"` // advertise, seed-wake, ladder, file, peer
	Action    string      `json:"action"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Extra     interface{} `json:"extra,omitempty"`
}

// Hub fans event notifications out to attached CLI/GUI websocket
// clients, adapted from the teacher's websocket.Hub broadcast pattern:
// a single owning goroutine over register/unregister/broadcast
// channels instead of a directly-shared client map.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
}

// NewHub starts a hub's owning goroutine and returns it ready for use.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 256),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			send := make(chan []byte, 32)
			h.clients[conn] = send
			h.mu.Unlock()
			go h.writePump(conn, send)

		case conn := <-h.unregister:
			h.mu.Lock()
			if send, ok := h.clients[conn]; ok {
				close(send)
				delete(h.clients, conn)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, send := range h.clients {
				select {
				case send <- data:
				default:
					dataplane.Log("[client] event hub subscriber buffer full, dropping event")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send chan []byte) {
	for data := range send {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister <- conn
			return
		}
	}
}

// Attach registers conn to receive every future broadcast event.
func (h *Hub) Attach(conn *websocket.Conn) {
	h.register <- conn
}

// Detach stops sending events to conn.
func (h *Hub) Detach(conn *websocket.Conn) {
	h.unregister <- conn
}

// Emit broadcasts an event to every attached subscriber. Never blocks
// the caller on a slow subscriber.
func (h *Hub) Emit(e Event) {
	e.Timestamp = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		dataplane.Log("[client] failed to marshal event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		dataplane.Log("[client] event hub broadcast buffer full, dropping event")
	}
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// ChangeEvent is the frame sent to room subscribers. It only says what
// changed; clients re-read the rows it names.
type ChangeEvent struct {
	Kind     ChangeKind `json:"kind"`
	RoomCode string     `json:"room_code"`
}

// Client represents a websocket connection subscribed to one room
type Client struct {
	conn     *websocket.Conn
	roomCode string
	writeMu  sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

func (c *Client) write(message []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

type roomMessage struct {
	roomCode string
	payload  []byte
}

// Hub fans change events out to the WebSocket clients of each room
type Hub struct {
	clients    map[*websocket.Conn]*Client
	broadcast  chan roomMessage
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan roomMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
}

// Publish queues a change event for a room. It never blocks the caller.
func (h *Hub) Publish(roomCode string, kind ChangeKind) {
	payload, err := json.Marshal(ChangeEvent{Kind: kind, RoomCode: roomCode})
	if err != nil {
		logError("hub.Publish: marshal", err)
		return
	}
	select {
	case h.broadcast <- roomMessage{roomCode: roomCode, payload: payload}:
	case <-h.done:
	default:
		log.Printf("WebSocket broadcast queue full, dropping %s event for room %s", kind, roomCode)
	}
}

// clientCount returns the number of clients subscribed to a room
func (h *Hub) clientCount(roomCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.roomCode == roomCode {
			n++
		}
	}
	return n
}

// run serves the hub until ctx is cancelled, then closes every connection
func (h *Hub) run(ctx context.Context) error {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected to room %s. Total: %d", client.roomCode, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				DebugLog("hub.unregister", "client left room %s", client.roomCode)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)

		case msg := <-h.broadcast:
			var failed []*websocket.Conn
			h.mu.RLock()
			for conn, client := range h.clients {
				if client.roomCode != msg.roomCode {
					continue
				}
				LogWSMessage("OUT", msg.roomCode, string(msg.payload))
				if err := client.write(msg.payload); err != nil {
					log.Printf("WebSocket write error in room %s: %v", msg.roomCode, err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					conn.Close()
					delete(h.clients, conn)
				}
				h.mu.Unlock()
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are served from other origins
	},
}

// handleWebSocket subscribes the connection to a room's change events
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomCode := normalizeRoomCode(mux.Vars(r)["code"])

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for room %s: %v", roomCode, err)
		return
	}

	client := &Client{conn: conn, roomCode: roomCode}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Clients only listen; reading detects disconnects and answers control frames.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			LogWSMessage("IN", roomCode, string(message))
		}
	}()
}

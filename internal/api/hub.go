package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lukhas/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Chat sockets are receive-only; peers only send control frames.
	maxInboundSize = 512

	sendBufferSize = 64
)

// Event types sent on chat sockets.
const (
	EventTypeMessage = "message"
	EventTypeClosing = "closing"
)

// WSMessage is the envelope of every chat socket frame.
type WSMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsClient is one socket subscribed to one room.
type wsClient struct {
	hub  *Hub
	room string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) closeSend() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans chat messages out to the sockets subscribed to each room.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*wsClient]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*wsClient]struct{})}
}

func (h *Hub) join(room string, conn *websocket.Conn) (*wsClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &wsClient{hub: h, room: room, conn: conn, send: make(chan []byte, sendBufferSize)}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*wsClient]struct{})
	}
	h.rooms[room][c] = struct{}{}
	return c, true
}

func (h *Hub) leave(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[c.room]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			c.closeSend()
		}
		if len(clients) == 0 {
			delete(h.rooms, c.room)
		}
	}
}

// Subscribers returns the number of sockets in room.
func (h *Hub) Subscribers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Broadcast sends a message event to every socket in room. Sockets whose
// buffers are full are dropped.
func (h *Hub) Broadcast(room string, data any) {
	frame, err := json.Marshal(WSMessage{
		Type:      EventTypeMessage,
		Room:      room,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		logging.APIError("failed to encode chat frame: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
		default:
			logging.APIDebug("dropping slow chat socket in %s", room)
			delete(h.rooms[room], c)
			c.closeSend()
		}
	}
}

// Close disconnects every socket and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for room, clients := range h.rooms {
		for c := range clients {
			c.closeSend()
		}
		delete(h.rooms, room)
	}
}

// readPump discards inbound frames and returns when the peer goes away.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.APIDebug("chat socket in %s: %v", c.room, err)
			}
			return
		}
	}
}

// writePump writes queued frames and keepalive pings. It sends a close frame
// once the send channel closes.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, EventTypeClosing))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

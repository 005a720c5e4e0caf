package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chalkcast/chalkcast/internal/board"
	"github.com/chalkcast/chalkcast/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	room        string
	isTeacher   bool
	rateLimiter *ratelimit.Limiter
	clientID    string

	mu     sync.Mutex
	closed bool
}

// ServeWs upgrades the connection and joins it to a room. The handshake
// carries the room name, the claimed role, and an optional key; the teacher
// flag is computed once here and never re-checked per event.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := board.SanitizeRoom(q.Get("room"))
	isTeacher := hub.gate.IsTeacher(q.Get("role"), q.Get("key"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	clientID := fmt.Sprintf("%s-%d", conn.RemoteAddr().String(), time.Now().UnixNano())

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		room:        room,
		isTeacher:   isTeacher,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		clientID:    clientID,
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// enqueue delivers a frame to this client only, dropping it if the client's
// send buffer is full. Used for snapshot delivery. An evicted client's read
// loop can still forward events until its connection dies, so the closed
// flag keeps this from writing to a closed channel.
func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// markClosed flips the closed flag, reporting whether it was already set.
// Whoever flips it first owns closing the send channel.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasClosed := c.closed
	c.closed = true
	return wasClosed
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("Rate limit exceeded for client %s in room %s (warning #%d)",
					c.clientID, c.room, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("Disconnecting client %s for excessive rate limit violations", c.clientID)
				return
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			// Malformed frames are dropped without a reply.
			log.Printf("Invalid message from client %s in room %s", c.clientID, c.room)
			continue
		}

		c.hub.inbound <- &inboundEvent{client: c, env: env}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/chalkcast/chalkcast/internal/auth"
	"github.com/chalkcast/chalkcast/internal/board"
	"github.com/chalkcast/chalkcast/internal/metrics"
	"github.com/chalkcast/chalkcast/internal/store"
)

// Hub owns every websocket connection, grouped by room. A single Run
// goroutine drains all channels, so every event handler (including its
// persistence write) completes before the next event is dispatched. That
// one goroutine is what serializes mutations to a room's state; no handler
// needs further locking.
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	store *store.Store
	gate  auth.Gate

	// Inbound events from clients
	inbound chan *inboundEvent

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closures from HTTP handlers that must serialize with client events
	tasks chan func()

	mu sync.RWMutex
}

type inboundEvent struct {
	client *Client
	env    Envelope
}

func NewHub(st *store.Store, gate auth.Gate) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		store:      st,
		gate:       gate,
		inbound:    make(chan *inboundEvent, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		tasks:      make(chan func(), 16),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case ev := <-h.inbound:
			h.handleEvent(ev.client, ev.env)
		case task := <-h.tasks:
			task()
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.rooms[client.room]; !ok {
		h.rooms[client.room] = make(map[*Client]bool)
	}
	h.rooms[client.room][client] = true
	clientCount := len(h.rooms[client.room])
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(client.room).Inc()
	log.Printf("Client joined room %s as %s (total: %d)",
		client.room, roleName(client.isTeacher), clientCount)

	// Snapshot goes to the joining client only.
	st := h.store.Get(client.room)
	client.enqueue(encode(EventInit, snapshotOf(st)))
}

func roleName(isTeacher bool) string {
	if isTeacher {
		return auth.RoleTeacher
	}
	return auth.RoleViewer
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if !client.markClosed() {
		close(client.send)
	}
	metrics.ActiveConnections.WithLabelValues(client.room).Dec()

	if len(clients) == 0 {
		delete(h.rooms, client.room)
		log.Printf("Room %s closed (empty)", client.room)
	} else {
		log.Printf("Client left room %s (remaining: %d)", client.room, len(clients))
	}
}

// handleEvent applies one inbound event: gate check, payload validation,
// state mutation, persist, fan-out. Anything failing its precondition is
// dropped with no mutation and no broadcast.
func (h *Hub) handleEvent(c *Client, env Envelope) {
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	st := h.store.Get(c.room)

	switch env.Event {
	case EventRequestFull:
		c.enqueue(encode(EventInit, snapshotOf(st)))

	case EventUpdateText:
		if !c.isTeacher {
			h.drop("unauthorized")
			return
		}
		text, ok := decodeText(env.Payload)
		if !ok {
			h.drop("malformed")
			return
		}
		st.SetText(text)
		h.store.Save(c.room)
		h.broadcast(c.room, EventUpdateText, textUpdate{Text: st.Text, UpdatedAt: st.UpdatedAt})

	case EventPasteText:
		if !h.gate.CanPaste(c.isTeacher) {
			h.drop("unauthorized")
			return
		}
		text, ok := decodeText(env.Payload)
		if !ok {
			h.drop("malformed")
			return
		}
		st.AppendPaste(text)
		h.store.Save(c.room)
		h.broadcast(c.room, EventUpdateText, textUpdate{Text: st.Text, UpdatedAt: st.UpdatedAt})

	case EventDrawSegment:
		if !c.isTeacher {
			h.drop("unauthorized")
			return
		}
		if _, ok := decodeStroke(env.Payload); !ok {
			h.drop("malformed")
			return
		}
		// Ephemeral live-preview signal: relayed verbatim, never stored.
		h.broadcast(c.room, EventDrawSegment, env.Payload)

	case EventDrawEvent:
		if !c.isTeacher {
			h.drop("unauthorized")
			return
		}
		stroke, ok := decodeStroke(env.Payload)
		if !ok {
			h.drop("malformed")
			return
		}
		stroke = st.AppendStroke(stroke)
		h.store.Save(c.room)
		h.broadcast(c.room, EventDrawEvent, stroke)

	case EventUndo:
		if !c.isTeacher {
			h.drop("unauthorized")
			return
		}
		if _, ok := st.Undo(); !ok {
			return
		}
		h.store.Save(c.room)
		// Clients locally remove their last-rendered stroke.
		h.broadcast(c.room, EventUndo, nil)

	case EventRedo:
		if !c.isTeacher {
			h.drop("unauthorized")
			return
		}
		stroke, ok := st.RedoStroke()
		if !ok {
			return
		}
		h.store.Save(c.room)
		// Dual emission kept for client compatibility.
		h.broadcast(c.room, EventRedo, stroke)
		h.broadcast(c.room, EventDrawEvent, stroke)

	case EventClearCanvas:
		if !c.isTeacher {
			h.drop("unauthorized")
			return
		}
		st.Clear()
		h.store.Save(c.room)
		h.broadcast(c.room, EventClearCanvas, nil)

	default:
		h.drop("unknown_event")
	}
}

func (h *Hub) drop(reason string) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
}

func decodeText(raw json.RawMessage) (string, bool) {
	var p textPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Text == nil {
		return "", false
	}
	return *p.Text, true
}

func decodeStroke(raw json.RawMessage) (board.Stroke, bool) {
	var stroke board.Stroke
	if err := json.Unmarshal(raw, &stroke); err != nil || stroke == nil {
		return nil, false
	}
	return stroke, true
}

// broadcast fans an event out to every member of a room, the sender
// included: each client renders the authoritative echo, not a local
// prediction. Rooms are fully isolated from one another.
func (h *Hub) broadcast(room, event string, payload any) {
	data := encode(event, payload)
	if data == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[room]
	if !ok {
		return
	}
	metrics.BroadcastsSent.WithLabelValues(event).Inc()
	for client := range clients {
		select {
		case client.send <- data:
		default:
			if !client.markClosed() {
				close(client.send)
			}
			delete(clients, client)
			metrics.ActiveConnections.WithLabelValues(room).Dec()
		}
	}
}

// AppendFiles runs on the dispatch loop: it appends upload metadata to a
// room, persists, and broadcasts the new file list. It blocks until applied
// so the HTTP handler responds after the mutation is visible. Returns the
// room's full file list.
func (h *Hub) AppendFiles(room string, refs []board.FileRef) []board.FileRef {
	room = board.SanitizeRoom(room)
	done := make(chan []board.FileRef, 1)
	h.tasks <- func() {
		st := h.store.Get(room)
		st.AddFiles(refs)
		h.store.Save(room)
		h.broadcast(room, EventFiles, st.Files)
		done <- st.Files
	}
	return <-done
}

// Do submits a closure to the dispatch loop and waits for it to finish.
// Anything that touches room state from outside the loop, like the shutdown
// flush, goes through here so it serializes with client events.
func (h *Hub) Do(fn func()) {
	done := make(chan struct{})
	h.tasks <- func() {
		fn()
		close(done)
	}
	<-done
}

// GetRoomCount returns the number of rooms with at least one connection.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientCount returns the total number of connections across rooms.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, clients := range h.rooms {
		total += len(clients)
	}
	return total
}

// GetActiveRooms maps room name to its current connection count.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	active := make(map[string]int, len(h.rooms))
	for room, clients := range h.rooms {
		active[room] = len(clients)
	}
	return active
}

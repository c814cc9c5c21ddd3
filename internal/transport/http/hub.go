package http

import (
	"log"
	"sync"
)

// outboundMessage is the wire envelope for every server-to-client frame.
type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// client is one websocket connection known to the hub. Frames go through
// the buffered send channel; the connection's writer goroutine drains it.
type client struct {
	id        string
	send      chan outboundMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string) *client {
	return &client{
		id:   id,
		send: make(chan outboundMessage, 16),
		done: make(chan struct{}),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks connections and the rooms they belong to. It implements
// app.Broadcaster; rooms are keyed by testID. The hub never touches session
// state: an abrupt disconnect only removes the connection from its rooms.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]bool // roomID -> clientID -> owner flag
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]bool),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.close()
		delete(h.clients, clientID)
	}
	for roomID, members := range h.rooms {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Subscribe adds the connection to a room.
func (h *Hub) Subscribe(roomID, clientID string, owner bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]bool)
		h.rooms[roomID] = members
	}
	members[clientID] = owner
}

// Unsubscribe removes the connection from a room without closing it.
func (h *Hub) Unsubscribe(roomID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// EvictNonOwners drops every non-owner connection from the room; owners
// keep receiving post-finish traffic.
func (h *Hub) EvictNonOwners(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for clientID, owner := range members {
		if !owner {
			delete(members, clientID)
		}
	}
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast fans an event out to every room member, sender included. Used
// for authoritative state: scores, lifecycle transitions, final results.
func (h *Hub) Broadcast(roomID, event string, payload any) {
	h.fanOut(roomID, "", event, payload)
}

// BroadcastExcept skips one member, for passive notifications where the
// actor already got a direct reply.
func (h *Hub) BroadcastExcept(roomID, exceptClientID, event string, payload any) {
	h.fanOut(roomID, exceptClientID, event, payload)
}

func (h *Hub) fanOut(roomID, exceptClientID, event string, payload any) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for clientID := range h.rooms[roomID] {
		if clientID == exceptClientID {
			continue
		}
		if c, ok := h.clients[clientID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	msg := outboundMessage{Type: event, Payload: payload}
	for _, c := range targets {
		c.deliver(msg)
	}
}

// deliver queues a frame without blocking the broadcaster; a client that
// cannot keep up loses frames rather than stalling the room.
func (c *client) deliver(msg outboundMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("dropping %s frame for slow client %s", msg.Type, c.id)
	}
}

package realtime

import (
	"strings"
	"sync"
)

const (
	userRoomPrefix   = "user:"
	chatRoomPrefix   = "chat:"
	streamRoomPrefix = "stream:"
)

func UserRoom(id string) string   { return userRoomPrefix + id }
func ChatRoom(id string) string   { return chatRoomPrefix + id }
func StreamRoom(id string) string { return streamRoomPrefix + id }

// Hub is the registry of live connections on this instance, keyed by
// connection id, with the room subscriptions of each.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}
	users     map[string]int
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
		users:     make(map[string]int),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	h.connRooms[c.id] = make(map[string]struct{})
	h.users[c.identity.UserID]++
}

// remove unregisters c and returns the rooms it had joined along with the
// number of connections its user still has here.
func (h *Hub) remove(c *Conn) (rooms []string, remaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return nil, h.users[c.identity.UserID]
	}
	for room := range h.connRooms[c.id] {
		rooms = append(rooms, room)
		h.unsubscribe(c.id, room)
	}
	delete(h.connRooms, c.id)
	delete(h.conns, c.id)
	h.users[c.identity.UserID]--
	remaining = h.users[c.identity.UserID]
	if remaining <= 0 {
		delete(h.users, c.identity.UserID)
	}
	return rooms, remaining
}

// join reports whether c was newly subscribed to room.
func (h *Hub) join(c *Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.connRooms[c.id]
	if !ok {
		return false
	}
	if _, dup := joined[room]; dup {
		return false
	}
	joined[room] = struct{}{}
	subs := h.rooms[room]
	if subs == nil {
		subs = make(map[string]*Conn)
		h.rooms[room] = subs
	}
	subs[c.id] = c
	return true
}

func (h *Hub) leave(c *Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.connRooms[c.id]
	if !ok {
		return false
	}
	if _, in := joined[room]; !in {
		return false
	}
	delete(joined, room)
	h.unsubscribe(c.id, room)
	return true
}

// evict drops every connection of userID from room and returns how many were
// subscribed.
func (h *Hub) evict(room, userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, c := range h.rooms[room] {
		if c.identity.UserID != userID {
			continue
		}
		delete(h.connRooms[id], room)
		h.unsubscribe(id, room)
		n++
	}
	return n
}

// unsubscribe must be called with mu held.
func (h *Hub) unsubscribe(connID, room string) {
	subs := h.rooms[room]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) inRoom(c *Conn, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connRooms[c.id][room]
	return ok
}

func (h *Hub) subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Online reports whether the user has a connection on this instance.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID] > 0
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// deliver queues frame on every subscriber of room except exceptConn and
// returns how many connections it reached.
func (h *Hub) deliver(room, exceptConn string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != exceptConn {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

func roomKind(room string) (prefix, id string) {
	i := strings.IndexByte(room, ':')
	if i < 0 {
		return "", room
	}
	return room[:i+1], room[i+1:]
}

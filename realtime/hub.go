package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub tracks live connections and their room memberships. A connection may
// be in any number of rooms; delivery is best effort.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Connection            // connID -> connection
	rooms     map[string]map[string]*Connection // roomID -> connID -> connection
	connRooms map[string]map[string]struct{}    // connID -> set of roomIDs
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	if h.connRooms[conn.ID] == nil {
		h.connRooms[conn.ID] = make(map[string]struct{})
	}
	h.mu.Unlock()
}

// Remove drops the connection and all of its room memberships.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn.ID)
	for roomID := range h.connRooms[conn.ID] {
		h.leaveLocked(roomID, conn.ID)
	}
	delete(h.connRooms, conn.ID)
	h.mu.Unlock()
}

// Join subscribes conn to roomID. Joining twice is a no-op. Unknown
// connections are ignored.
func (h *Hub) Join(roomID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return
	}

	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Connection)
		h.rooms[roomID] = room
	}
	room[conn.ID] = conn

	memberships := h.connRooms[conn.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.connRooms[conn.ID] = memberships
	}
	memberships[roomID] = struct{}{}
}

func (h *Hub) Leave(roomID string, conn *Connection) {
	h.mu.Lock()
	h.leaveLocked(roomID, conn.ID)
	h.mu.Unlock()
}

// Broadcast sends payload to every member of roomID except the connection
// with id excludeConnID, and returns how many sends were accepted.
func (h *Hub) Broadcast(roomID string, payload []byte, excludeConnID string) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[roomID]))
	for id, conn := range h.rooms[roomID] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return deliver(targets, payload)
}

// BroadcastAll sends payload to every live connection.
func (h *Hub) BroadcastAll(payload []byte) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return deliver(targets, payload)
}

// Subscribed reports whether conn has joined roomID.
func (h *Hub) Subscribed(roomID string, conn *Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][conn.ID]
	return ok
}

// Members returns the number of connections subscribed to roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every tracked connection with a going-away frame and
// clears the hub.
func (h *Hub) Close(reason string) {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, reason)
	}
}

func (h *Hub) leaveLocked(roomID, connID string) {
	room := h.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	if memberships, ok := h.connRooms[connID]; ok {
		delete(memberships, roomID)
	}
}

func deliver(targets []*Connection, payload []byte) int {
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

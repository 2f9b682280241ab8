package presence

import (
	"sort"
	"sync"

	"pairchat/realtime"
)

// Registry maps each online user to the connection that most recently
// registered for them. One registry is shared by every session.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*realtime.Connection
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*realtime.Connection)}
}

// Register binds userID to conn, replacing any previous connection.
func (r *Registry) Register(userID string, conn *realtime.Connection) {
	r.mu.Lock()
	r.users[userID] = conn
	r.mu.Unlock()
}

// RemoveIfCurrent deletes the entry for userID only while it still points at
// conn. It reports whether an entry was removed.
func (r *Registry) RemoveIfCurrent(userID string, conn *realtime.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.users[userID]; ok && current == conn {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) Lookup(userID string) (*realtime.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.users[userID]
	return conn, ok
}

// LookupByConnection returns the user whose current connection is conn.
func (r *Registry) LookupByConnection(conn *realtime.Connection) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for userID, c := range r.users {
		if c == conn {
			return userID, true
		}
	}
	return "", false
}

// Snapshot returns the online user ids in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for userID := range r.users {
		ids = append(ids, userID)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

package websocket

import (
	"sync"

	"formbar/pkg/interfaces"
)

// Registry tracks live connections by id, by user, and by classroom. A
// user may hold several connections (tabs, devices, display boards); each
// classroom keeps its own subscriber set so broadcasts never scan the world.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> conn
	users       map[string]map[string]interfaces.Connection // email -> connID -> conn
	classes     map[int64]map[string]interfaces.Connection  // classID -> connID -> conn
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		users:       make(map[string]map[string]interfaces.Connection),
		classes:     make(map[int64]map[string]interfaces.Connection),
	}
}

// RegisterConnection adds an authenticated connection. If it already carries
// a classroom it is subscribed to that classroom too.
func (r *Registry) RegisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.GetID()
	email := conn.GetEmail()
	r.connections[id] = conn
	if r.users[email] == nil {
		r.users[email] = make(map[string]interfaces.Connection)
	}
	r.users[email][id] = conn
	if classID := conn.GetClassID(); classID != 0 {
		r.subscribe(classID, conn)
	}
	return nil
}

// UnregisterConnection removes conn everywhere and returns how many
// connections its user still has. Removing an unknown connection is a no-op.
func (r *Registry) UnregisterConnection(conn interfaces.Connection) int {
	if conn == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.GetID()
	email := conn.GetEmail()
	if registered, ok := r.connections[id]; !ok || registered != conn {
		return len(r.users[email])
	}

	delete(r.connections, id)
	if conns, ok := r.users[email]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.users, email)
		}
	}
	r.unsubscribe(conn.GetClassID(), id)
	return len(r.users[email])
}

// SetClass moves every connection of email into classID's subscriber set
// with the given class level. classID 0 detaches them from any classroom.
func (r *Registry) SetClass(email string, classID int64, classPermissions int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.users[email] {
		r.unsubscribe(conn.GetClassID(), id)
		conn.SetClassroom(classID, classPermissions)
		if classID != 0 {
			r.subscribe(classID, conn)
		}
	}
}

// SetClassPermissions refreshes the denormalized class level of email's
// connections subscribed to classID.
func (r *Registry) SetClassPermissions(email string, classID int64, classPermissions int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.users[email] {
		if conn.GetClassID() == classID {
			conn.SetClassroom(classID, classPermissions)
		}
	}
}

// ClearClass detaches email's connections from classID only.
func (r *Registry) ClearClass(email string, classID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.users[email] {
		if conn.GetClassID() == classID {
			r.unsubscribe(classID, id)
			conn.SetClassroom(0, 0)
		}
	}
}

// ClassConnections returns the subscribers of classID.
func (r *Registry) ClassConnections(classID int64) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.classes[classID]))
	for _, conn := range r.classes[classID] {
		conns = append(conns, conn)
	}
	return conns
}

// UserConnections returns every live connection of email.
func (r *Registry) UserConnections(email string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.users[email]))
	for _, conn := range r.users[email] {
		conns = append(conns, conn)
	}
	return conns
}

// GetConnection returns the connection with id.
func (r *Registry) GetConnection(id string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// IsConnected reports whether email has at least one live connection.
func (r *Registry) IsConnected(email string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[email]) > 0
}

func (r *Registry) subscribe(classID int64, conn interfaces.Connection) {
	if r.classes[classID] == nil {
		r.classes[classID] = make(map[string]interfaces.Connection)
	}
	r.classes[classID][conn.GetID()] = conn
}

func (r *Registry) unsubscribe(classID int64, id string) {
	if subscribers, ok := r.classes[classID]; ok {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(r.classes, classID)
		}
	}
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"connected_users":   len(r.users),
		"active_classrooms": len(r.classes),
	}
}

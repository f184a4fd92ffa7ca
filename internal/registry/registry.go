// ABOUTME: In-memory bidirectional mapping between users and live connections
// ABOUTME: Presence source of truth; both indices mutate under one mutex

package registry

import (
	"log/slog"
	"sync"
)

// Conn is one live transport session for a user. Implementations must make
// Send safe to call from any goroutine and non-blocking; a session that
// cannot keep up drops events rather than stalling fan-out.
type Conn interface {
	// ID returns the connection's unique handle.
	ID() string
	// Send pushes a named event to the connection.
	Send(event string, data any)
	// Close tears the connection down.
	Close()
}

// Registry maps user identities to their live connections and back. A user
// may hold any number of simultaneous connections (devices, tabs). The
// forward and reverse indices are one logical unit: every handle is present
// in both or in neither, guarded by a single mutex.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn // userID -> connID -> conn
	owner  map[string]string          // connID -> userID
	logger *slog.Logger
}

// New creates an empty Registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		owner:  make(map[string]string),
		logger: logger.With("component", "registry"),
	}
}

// Register adds a connection for the given user. Registering the same
// handle twice is idempotent.
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	conns[conn.ID()] = conn
	r.owner[conn.ID()] = userID

	r.logger.Debug("connection registered",
		"user_id", userID,
		"conn_id", conn.ID(),
		"user_connections", len(conns))
}

// Unregister removes a connection from both indices and returns the owning
// user so callers can check for a 1→0 transition. Unknown handles (for
// example a duplicate disconnect signal) are a silent no-op.
func (r *Registry) Unregister(connID string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.owner[connID]
	if !ok {
		return "", false
	}

	delete(r.owner, connID)
	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}

	r.logger.Debug("connection unregistered",
		"user_id", userID,
		"conn_id", connID,
		"user_connections", len(conns))
	return userID, true
}

// ConnectionsOf returns a snapshot of the user's live connections. The
// result may be empty and is safe for the caller to iterate without holding
// any lock.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the identities with at least one live connection.
// Intended for diagnostics and tests.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	return users
}

// PushToUsers sends one event to every live connection of every listed user.
// Users without connections are skipped.
func (r *Registry) PushToUsers(userIDs []string, event string, data any) {
	for _, userID := range userIDs {
		for _, conn := range r.ConnectionsOf(userID) {
			conn.Send(event, data)
		}
	}
}

// Broadcast sends one event to every live connection of every user.
func (r *Registry) Broadcast(event string, data any) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.owner))
	for _, userConns := range r.byUser {
		for _, c := range userConns {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Send(event, data)
	}
}

// CloseAll closes every registered connection. Used during shutdown; each
// connection's close path is expected to unregister itself.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.owner))
	for _, userConns := range r.byUser {
		for _, c := range userConns {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

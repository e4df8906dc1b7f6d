package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

type wsConn struct {
	userID string
	conn   *websocket.Conn
}

// Connections tracks the WebSocket attached to each session. A session has
// at most one; a newer connection replaces the older one.
type Connections struct {
	mu     sync.Mutex
	active map[string]wsConn
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{active: make(map[string]wsConn)}
}

// Register attaches conn to a session, closing any connection it replaces.
func (c *Connections) Register(userID, sessionID string, conn *websocket.Conn) {
	c.mu.Lock()
	existing, replaced := c.active[sessionID]
	c.active[sessionID] = wsConn{userID: userID, conn: conn}
	c.mu.Unlock()

	if replaced && existing.conn != conn {
		go closeConn(existing.conn, "session replaced")
	}
	slog.Info("Session channel registered", "user_id", userID, "session_id", sessionID, "replaced", replaced)
}

// closeConn runs the close handshake, which waits on the peer.
func closeConn(conn *websocket.Conn, reason string) {
	if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		slog.Debug("Failed to close websocket", "error", err, "reason", reason)
	}
}

// Unregister detaches conn. It reports whether conn was still the session's
// current connection, that is whether it was not replaced.
func (c *Connections) Unregister(sessionID string, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.active[sessionID]
	if !ok || current.conn != conn {
		return false
	}
	delete(c.active, sessionID)
	slog.Info("Session channel unregistered", "user_id", current.userID, "session_id", sessionID)
	return true
}

// Close closes the session's connection, if any.
func (c *Connections) Close(sessionID string) {
	c.mu.Lock()
	current, ok := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()

	if !ok {
		return
	}
	go closeConn(current.conn, "session closed")
	slog.Info("Session channel closed", "user_id", current.userID, "session_id", sessionID)
}

// Count returns the number of attached connections.
func (c *Connections) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

// Chat message throttling: a connection may burst 5 messages, refilling at
// 2 per second.
const (
	chatRatePerSecond = 2
	chatRateBurst     = 5
)

// Connection is a single WebSocket client connection. It is created with a
// connection UUID and bound to an opaque user ID once the client
// authenticates. It implements registry.Transport.
type Connection struct {
	ID        string    // connection UUID, assigned at upgrade
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll registration (linux)
	CreatedAt time.Time // when the connection was established

	lastActive int64 // atomic: unix nanos of last client activity

	userMu     sync.RWMutex
	userID     string // bound at authenticate time, "" before
	writeMu    sync.Mutex
	chatLimit  *rate.Limiter
	closed     int32 // atomic: 1 once Close has run
	processing int32 // atomic flag guarding duplicate epoll dispatch
}

// newConnection wraps an upgraded net.Conn.
func newConnection(id string, conn net.Conn, fd int) *Connection {
	now := time.Now()
	return &Connection{
		ID:         id,
		Conn:       conn,
		Fd:         fd,
		CreatedAt:  now,
		lastActive: now.UnixNano(),
		chatLimit:  rate.NewLimiter(rate.Limit(chatRatePerSecond), chatRateBurst),
	}
}

// Touch records client activity. Written by worker goroutines, read by the
// heartbeat goroutine, hence the atomic.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last observed client activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// BindUser records the authenticated user ID for this connection.
func (c *Connection) BindUser(userID string) {
	c.userMu.Lock()
	c.userID = userID
	c.userMu.Unlock()
}

// UserID returns the bound user ID, or "" if the connection has not
// authenticated.
func (c *Connection) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

// Send writes a WebSocket text frame. The write mutex keeps concurrent
// goroutines from interleaving frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// AllowChat reports whether the connection is within its chat-message rate
// budget, consuming one token when it is.
func (c *Connection) AllowChat() bool {
	return c.chatLimit.Allow()
}

// Alive reports whether the connection has not been closed. It backs the
// registry's liveness checks.
func (c *Connection) Alive() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

// Close marks the connection dead and closes the underlying network
// connection. Safe to call more than once.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.Conn.Close()
}

// Manager is a thread-safe registry of live connections with O(1) lookup by
// connection ID and by underlying net.Conn.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewManager creates an empty connection Manager.
func NewManager() *Manager {
	return &Manager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (m *Manager) Add(c *Connection) {
	m.mu.Lock()
	m.byID[c.ID] = c
	m.byConn[c.Conn] = c
	m.mu.Unlock()
}

// Remove deletes a connection and closes its network connection. Returns
// true if the connection was present; false means another goroutine already
// removed it.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	c, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byConn, c.Conn)
	}
	m.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (m *Manager) Get(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (m *Manager) GetByConn(conn net.Conn) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[conn]
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// All returns a snapshot of all current connections, safe to iterate
// without holding the lock.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	return conns
}

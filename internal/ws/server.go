// Package ws is the WebSocket transport layer: it upgrades HTTP connections,
// multiplexes reads through epoll, serializes writes per connection, and
// hands parsed frames to the dispatcher. It also serves the read-only
// diagnostic HTTP surface (/health, /stats, /metrics).
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/blinkchat/signaling/internal/metrics"
	"github.com/blinkchat/signaling/internal/stats"
)

// maxFrameBytes caps the accepted WebSocket frame payload size.
const maxFrameBytes = 64 * 1024

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	AllowedOrigin  string        // permitted Origin for upgrades and CORS; "*" or "" allows any
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		AllowedOrigin:  "*",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket connections, registers them with epoll, and
// dispatches ready connections to a bounded worker pool for frame reading.
// Disconnects are reported with a clean/abrupt distinction so the lifecycle
// layer can size the reconnect grace window.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *Manager
	collector    *stats.Collector
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection, clean bool)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage callback runs on a worker
// goroutine for every complete text frame received.
func NewServer(config ServerConfig, collector *stats.Collector, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewManager(),
		collector:  collector,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect registers the callback invoked when a connection is
// removed. clean is true for a client-initiated close frame, false for
// read errors and heartbeat evictions.
func (s *Server) SetOnDisconnect(fn func(conn *Connection, clean bool)) {
	s.onDisconnect = fn
}

// Handler builds the HTTP routing for the server: the /ws upgrade endpoint
// plus the advisory /health, /stats, and /metrics surface, wrapped in the
// configured CORS policy.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	opts := cors.Options{AllowedMethods: []string{http.MethodGet}}
	if s.config.AllowedOrigin != "" && s.config.AllowedOrigin != "*" {
		opts.AllowedOrigins = []string{s.config.AllowedOrigin}
	} else {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.New(opts).Handler(r)
}

// Start initializes epoll, begins the event loop and heartbeat, and blocks
// serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, origin=%s)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, s.config.AllowedOrigin)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// originAllowed enforces the configured Origin policy for upgrades.
func (s *Server) originAllowed(r *http.Request) bool {
	if s.config.AllowedOrigin == "" || s.config.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.config.AllowedOrigin
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the manager and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, socketFD(conn))
	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	log.Printf("ws: new connection conn=%s (total=%d)", c.ID, s.conns.Count())
}

// handleHealth reports liveness plus the aggregate counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status string         `json:"status"`
		Stats  stats.Snapshot `json:"stats"`
	}{
		Status: "ok",
		Stats:  s.collector.Snapshot(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats serves the aggregate counters alone. Advisory only; clients
// must never drive behavior from these numbers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.collector.Snapshot())
}

// startEventLoop runs the epoll wait loop, dispatching ready connections to
// the bounded worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a
// data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch); the heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c, false)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c, true)
		}
		return
	}

	// The advertised length is client-controlled; refuse to allocate for
	// frames beyond any legitimate payload (the largest are SDP blobs, a
	// few KB).
	if header.Length > maxFrameBytes {
		log.Printf("ws: oversized frame conn=%s length=%d", c.ID, header.Length)
		s.RemoveConnection(c, false)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c, false)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the manager, closes
// it, and notifies the disconnect callback. Exported so the heartbeat can
// evict dead connections.
func (s *Server) RemoveConnection(c *Connection, clean bool) {
	_ = s.epoll.Remove(c.Conn)

	// Only the goroutine that wins the removal race runs the callback, so
	// the lifecycle layer sees exactly one disconnect per connection.
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c, clean)
	}

	log.Printf("ws: connection closed conn=%s user=%s clean=%v (total=%d)",
		c.ID, c.UserID(), clean, s.conns.Count())
}

// Send writes a text frame to the identified connection.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.Send(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections exposes the connection manager (used by the heartbeat).
func (s *Server) Connections() *Manager {
	return s.conns
}

// Shutdown gracefully stops the server: HTTP listener first, then the event
// loop, then every live connection.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks for an interrupted syscall, which is expected during
// signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}

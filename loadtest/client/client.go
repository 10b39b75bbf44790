// Package client provides a reusable WebSocket load test client for the
// signaling server. It connects using gobwas/ws (the same library the server
// uses), performs the authenticate handshake, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol event types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate = "authenticate"
	TypeFindPartner  = "find-random-partner"
	TypeCancelSearch = "cancel-search"
	TypeNextPartner  = "next-partner"
	TypeEndChat      = "end-chat"
	TypeChatMessage  = "chat-message"
	TypeTyping       = "typing"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeAuthenticated   = "authenticated"
	TypeSearching       = "searching"
	TypeQueueStatus     = "queue-status"
	TypeSearchCancelled = "search-cancelled"
	TypeMatched         = "matched"
	TypePartnerLeft     = "partner-left"
	TypeRoomEnded       = "room-ended"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the signaling
// server. It manages the WebSocket lifecycle, dispatches incoming events to
// registered handlers, and performs the authenticate handshake on connect.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	authed    chan struct{}
	authOnce  sync.Once
	dialedAt  time.Time
}

// New creates a load test client connected to the given WebSocket URL and
// authenticated as userID. A background goroutine begins reading events
// immediately; use WaitForAuth before driving scenario traffic.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		authed:   make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	if err := c.Send(map[string]string{
		"type":   TypeAuthenticate,
		"userId": userID,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	return c, nil
}

// Send sends a JSON event to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server event type. The handler
// receives the full raw JSON of the event for flexible decoding. Handlers
// are invoked from the read loop goroutine so they should not block for
// extended periods. Only one handler per event type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(eventType string, handler func(json.RawMessage)) {
	c.handlers[eventType] = handler
}

// WaitForAuth blocks until the server has confirmed the authenticate
// handshake or the context is cancelled.
func (c *Client) WaitForAuth(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before authentication completed")
	case <-c.authed:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user ID this client authenticated as.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and
// dispatches them to registered handlers. It runs until the connection is
// closed or an unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeAuthenticated {
			c.authOnce.Do(func() {
				c.metrics.AuthLatency = time.Since(c.dialedAt)
				close(c.authed)
			})
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

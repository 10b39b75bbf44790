// Package registry maintains the bidirectional mapping between opaque user
// identifiers and their live transport connections. It is the only component
// that holds transport handles; everything else borrows them by user ID.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Transport is the bidirectional message channel bound to a user. The ws
// layer's Connection implements it; tests inject fakes.
type Transport interface {
	Send(data []byte) error
	Alive() bool
}

// Entry records one live user connection.
type Entry struct {
	UserID      string
	Transport   Transport
	ConnectedAt time.Time
}

// Registry maps user IDs to their transports. At most one transport is
// registered per user ID; a new registration replaces the prior one. Writes
// happen only on the lifecycle loop, but the read methods take the lock
// because the HTTP stats surface and the ws heartbeat read concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register binds a transport to a user ID, replacing any prior mapping. The
// superseded transport is not closed here; takeover semantics are the
// caller's concern. It returns the previous transport, or nil.
func (r *Registry) Register(userID string, t Transport) Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev Transport
	if old, ok := r.entries[userID]; ok {
		prev = old.Transport
	}
	r.entries[userID] = &Entry{
		UserID:      userID,
		Transport:   t,
		ConnectedAt: time.Now(),
	}
	return prev
}

// Lookup returns the transport registered for the user ID.
func (r *Registry) Lookup(userID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.Transport, true
}

// Unregister removes the mapping only if the currently registered transport
// is the caller's handle. This keeps a stale unregister from a superseded
// connection from clobbering a fresh one. Returns true if removed.
func (r *Registry) Unregister(userID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.Transport != t {
		return false
	}
	delete(r.entries, userID)
	return true
}

// IsLive reports whether the user has a registered transport that considers
// itself connected.
func (r *Registry) IsLive(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return ok && e.Transport.Alive()
}

// Send writes data to the user's registered transport.
func (r *Registry) Send(userID string, data []byte) error {
	t, ok := r.Lookup(userID)
	if !ok {
		return fmt.Errorf("registry: no transport for user %s", userID)
	}
	return t.Send(data)
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

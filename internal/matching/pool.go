// Package matching implements the waiting pool and the pairing algorithm.
// Pairing policy is strict first-in-first-out: submitted preferences are
// stored and echoed back to clients but never consulted when pairing. That
// is a deliberate, documented policy, not an oversight.
package matching

import (
	"time"

	"github.com/blinkchat/signaling/internal/protocol"
)

// Entry is one user waiting for a partner.
type Entry struct {
	UserID      string
	Preferences *protocol.Preferences
	JoinedAt    time.Time
}

// Pool is the FIFO queue of users awaiting a match. Entries are kept in
// join order; PushFront exists for the dead-peer and rollback requeue
// paths. The pool is owned by the lifecycle loop and is not goroutine-safe.
type Pool struct {
	entries []*Entry
	members map[string]*Entry
}

// NewPool creates an empty waiting pool.
func NewPool() *Pool {
	return &Pool{members: make(map[string]*Entry)}
}

// Enqueue appends a new entry for the user. It is an idempotent no-op when
// the user is already waiting; it returns true only when an entry was added.
func (p *Pool) Enqueue(userID string, prefs *protocol.Preferences) bool {
	if _, ok := p.members[userID]; ok {
		return false
	}
	e := &Entry{
		UserID:      userID,
		Preferences: prefs,
		JoinedAt:    time.Now(),
	}
	p.entries = append(p.entries, e)
	p.members[userID] = e
	return true
}

// PushFront reinserts an entry at the head of the queue, keeping its
// original JoinedAt so the user is not penalized for a failed pairing.
func (p *Pool) PushFront(e *Entry) {
	if _, ok := p.members[e.UserID]; ok {
		return
	}
	p.entries = append([]*Entry{e}, p.entries...)
	p.members[e.UserID] = e
}

// Dequeue removes a specific user from the pool. It returns true if the
// user was waiting.
func (p *Pool) Dequeue(userID string) bool {
	if _, ok := p.members[userID]; !ok {
		return false
	}
	delete(p.members, userID)
	for i, e := range p.entries {
		if e.UserID == userID {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	return true
}

// PopOldest removes and returns the entry at the head of the queue, or nil
// if the pool is empty. Entries are appended in join order and requeues go
// to the front, so the head is always the next user to pair.
func (p *Pool) PopOldest() *Entry {
	if len(p.entries) == 0 {
		return nil
	}
	e := p.entries[0]
	p.entries = p.entries[1:]
	delete(p.members, e.UserID)
	return e
}

// Contains reports whether the user is currently waiting.
func (p *Pool) Contains(userID string) bool {
	_, ok := p.members[userID]
	return ok
}

// Len returns the number of waiting users.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Position returns the user's 1-based queue position, or 0 if absent.
func (p *Pool) Position(userID string) int {
	for i, e := range p.entries {
		if e.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// Entries returns a snapshot of the queue in order.
func (p *Pool) Entries() []*Entry {
	out := make([]*Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

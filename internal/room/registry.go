package room

import (
	"fmt"
	"log"
	"time"
)

// Config holds the timer policies applied to every room.
type Config struct {
	TTL       time.Duration // ceiling on room lifetime before a forced timeout end
	Retention time.Duration // how long an ended room stays resolvable by ID
}

// DefaultConfig returns the fixed production timer defaults.
func DefaultConfig() Config {
	return Config{
		TTL:       30 * time.Minute,
		Retention: 5 * time.Second,
	}
}

// Registry tracks all rooms, active and recently ended. Its maps are owned
// by the lifecycle loop: every mutation happens on that single goroutine.
// Timer callbacks never touch the maps directly; they post back through the
// OnTTLExpired/OnRetentionDone hooks, which the lifecycle loop routes onto
// itself before calling End or Remove.
type Registry struct {
	cfg    Config
	rooms  map[string]*Room  // room ID -> room (active + retained)
	byUser map[string]string // user ID -> active room ID

	// OnTTLExpired is invoked from a timer goroutine when a room hits its
	// TTL. The hook must hand off to the lifecycle loop, which then calls
	// End(id, "timeout") if the room is still active.
	OnTTLExpired func(roomID string)

	// OnRetentionDone is invoked from a timer goroutine when an ended
	// room's retention window lapses. The hook must hand off to the
	// lifecycle loop, which then calls Remove(id).
	OnRetentionDone func(roomID string)
}

// NewRegistry creates an empty room registry with the given timer policy.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		rooms:  make(map[string]*Room),
		byUser: make(map[string]string),
	}
}

// Create atomically inserts a room for the two members. It fails without
// side effects if either member already has an active room. The room's TTL
// timer starts immediately.
func (g *Registry) Create(roomID, initiator, responder string) (*Room, error) {
	if id, ok := g.byUser[initiator]; ok {
		return nil, fmt.Errorf("room: user %s already in room %s", initiator, id)
	}
	if id, ok := g.byUser[responder]; ok {
		return nil, fmt.Errorf("room: user %s already in room %s", responder, id)
	}
	if _, ok := g.rooms[roomID]; ok {
		return nil, fmt.Errorf("room: id %s already exists", roomID)
	}

	r := &Room{
		ID:        roomID,
		Initiator: initiator,
		Responder: responder,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}
	g.rooms[roomID] = r
	g.byUser[initiator] = roomID
	g.byUser[responder] = roomID

	if g.OnTTLExpired != nil && g.cfg.TTL > 0 {
		r.ttl = time.AfterFunc(g.cfg.TTL, func() {
			g.OnTTLExpired(roomID)
		})
	}

	return r, nil
}

// Get returns the room for the given ID, including rooms inside their
// retention window after ending.
func (g *Registry) Get(roomID string) (*Room, bool) {
	r, ok := g.rooms[roomID]
	return r, ok
}

// FindByUser returns the user's active room. Ended rooms are not returned
// even while retained.
func (g *Registry) FindByUser(userID string) (*Room, bool) {
	id, ok := g.byUser[userID]
	if !ok {
		return nil, false
	}
	r, ok := g.rooms[id]
	if !ok || r.Status != StatusActive {
		return nil, false
	}
	return r, true
}

// End marks the room ended, cancels its TTL timer, frees both members for
// new rooms, and starts the retention countdown. It is idempotent: ending
// an already-ended or unknown room returns (nil, false).
func (g *Registry) End(roomID, reason string) (*Room, bool) {
	r, ok := g.rooms[roomID]
	if !ok || r.Status != StatusActive {
		return nil, false
	}

	if r.ttl != nil {
		r.ttl.Stop()
		r.ttl = nil
	}

	r.Status = StatusEnded
	r.EndedAt = time.Now()
	r.EndReason = reason
	delete(g.byUser, r.Initiator)
	delete(g.byUser, r.Responder)

	if g.OnRetentionDone != nil && g.cfg.Retention > 0 {
		r.retention = time.AfterFunc(g.cfg.Retention, func() {
			g.OnRetentionDone(roomID)
		})
	} else {
		delete(g.rooms, roomID)
	}

	log.Printf("room: ended id=%s reason=%s duration=%s", roomID, reason, r.Duration().Round(time.Millisecond))
	return r, true
}

// Remove deletes an ended room after its retention window. Active rooms are
// never removed here; End must run first.
func (g *Registry) Remove(roomID string) {
	r, ok := g.rooms[roomID]
	if !ok || r.Status != StatusEnded {
		return
	}
	if r.retention != nil {
		r.retention.Stop()
		r.retention = nil
	}
	delete(g.rooms, roomID)
}

// ActiveCount returns the number of rooms currently active.
func (g *Registry) ActiveCount() int {
	return len(g.byUser) / 2
}

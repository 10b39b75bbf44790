// Package room tracks active paired sessions. A room always holds exactly
// two members; membership is immutable, so skip/next tears a room down and
// the matchmaker creates a fresh one.
package room

import (
	"time"
)

// Room lifecycle states.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Room is one paired session. The initiator is the first-dequeued member and
// is expected to create the WebRTC offer.
type Room struct {
	ID        string
	Initiator string
	Responder string
	Status    string
	CreatedAt time.Time
	EndedAt   time.Time
	EndReason string

	ttl       *time.Timer
	retention *time.Timer
}

// Has reports whether userID is a member of this room.
func (r *Room) Has(userID string) bool {
	return r.Initiator == userID || r.Responder == userID
}

// Partner returns the other member's user ID, or "" if userID is not a
// member.
func (r *Room) Partner(userID string) string {
	switch userID {
	case r.Initiator:
		return r.Responder
	case r.Responder:
		return r.Initiator
	}
	return ""
}

// Members returns both member IDs, initiator first.
func (r *Room) Members() [2]string {
	return [2]string{r.Initiator, r.Responder}
}

// Duration returns the room's lifetime: EndedAt-CreatedAt once ended,
// time since creation while active.
func (r *Room) Duration() time.Duration {
	if r.Status == StatusEnded {
		return r.EndedAt.Sub(r.CreatedAt)
	}
	return time.Since(r.CreatedAt)
}

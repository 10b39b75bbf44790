package matching

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/blinkchat/signaling/internal/stats"
)

// estimatePerPosition is the linear wait estimate per queue slot sent in
// queue-status updates. It is a hint for clients, not a guarantee.
const estimatePerPosition = 5 * time.Second

// Liveness answers whether a user's transport still reports itself
// connected. The connection registry implements it.
type Liveness interface {
	IsLive(userID string) bool
}

// RoomCreator atomically creates a room for two members. The room registry
// implements it; creation must fail without side effects if either member
// already has an active room.
type RoomCreator interface {
	Create(roomID, initiator, responder string) error
}

// Match describes a successful pairing from one member's perspective.
type Match struct {
	RoomID      string
	PartnerID   string
	IsInitiator bool
	WaitTime    time.Duration
}

// QueuePosition is a waiting user's standing, pushed on every pool change.
type QueuePosition struct {
	Position      int
	TotalWaiting  int
	EstimatedWait time.Duration
}

// Notifier receives matchmaking outcomes for delivery to clients. The
// lifecycle controller implements it.
type Notifier interface {
	Matched(userID string, m Match)
	QueueStatus(userID string, q QueuePosition)
}

// Matchmaker drains the waiting pool two entries at a time. It runs
// exclusively on the lifecycle loop, so its pool mutations are atomic with
// respect to all other user events.
type Matchmaker struct {
	pool   *Pool
	live   Liveness
	rooms  RoomCreator
	notify Notifier
	stats  *stats.Collector
}

// NewMatchmaker wires a matchmaker over the given pool and collaborators.
// The stats collector may be nil.
func NewMatchmaker(pool *Pool, live Liveness, rooms RoomCreator, notify Notifier, st *stats.Collector) *Matchmaker {
	return &Matchmaker{pool: pool, live: live, rooms: rooms, notify: notify, stats: st}
}

// AttemptMatch pairs waiting users until fewer than two remain or room
// creation fails. Entries whose transport has gone dead are discarded; the
// surviving peer of a dead pairing is requeued at the front so it is not
// penalized. It returns the number of rooms created.
func (m *Matchmaker) AttemptMatch() int {
	made := 0

	for m.pool.Len() >= 2 {
		a := m.pool.PopOldest()
		b := m.pool.PopOldest()

		aLive := m.live.IsLive(a.UserID)
		bLive := m.live.IsLive(b.UserID)

		if !aLive || !bLive {
			// Requeue whichever peer is still live at the front, drop the
			// dead one, and try the next pairing.
			if bLive {
				m.pool.PushFront(b)
			}
			if aLive {
				m.pool.PushFront(a)
			}
			if !aLive {
				log.Printf("matching: discarded dead entry user=%s", a.UserID)
			}
			if !bLive {
				log.Printf("matching: discarded dead entry user=%s", b.UserID)
			}
			continue
		}

		roomID := uuid.New().String()
		if err := m.rooms.Create(roomID, a.UserID, b.UserID); err != nil {
			// Roll back both entries at the front in their original
			// relative order. The users stay in Searching; pairing will be
			// retried on the next pool change.
			m.pool.PushFront(b)
			m.pool.PushFront(a)
			log.Printf("matching: room create failed for %s+%s: %v", a.UserID, b.UserID, err)
			return made
		}

		waitA := time.Since(a.JoinedAt)
		waitB := time.Since(b.JoinedAt)
		if m.stats != nil {
			m.stats.RecordMatch(waitA, waitB)
		}

		m.notify.Matched(a.UserID, Match{
			RoomID:      roomID,
			PartnerID:   b.UserID,
			IsInitiator: true,
			WaitTime:    waitA,
		})
		m.notify.Matched(b.UserID, Match{
			RoomID:      roomID,
			PartnerID:   a.UserID,
			IsInitiator: false,
			WaitTime:    waitB,
		})

		log.Printf("matching: paired %s (initiator) with %s room=%s wait=%s/%s",
			a.UserID, b.UserID, roomID, waitA.Round(time.Millisecond), waitB.Round(time.Millisecond))
		made++
	}

	return made
}

// NotifyPositions pushes a queue-status update to every remaining waiting
// user. Call after any pool change.
func (m *Matchmaker) NotifyPositions() {
	entries := m.pool.Entries()
	total := len(entries)
	for i, e := range entries {
		m.notify.QueueStatus(e.UserID, QueuePosition{
			Position:      i + 1,
			TotalWaiting:  total,
			EstimatedWait: time.Duration(i+1) * estimatePerPosition,
		})
	}
}

// Package lifecycle orchestrates the per-user state machine across the
// connection registry, waiting pool, matchmaker, room registry, and relay.
// All state mutations run on a single event-processing goroutine: inbound
// transport events and timer callbacks post commands onto one channel, so
// every logical operation executes atomically with respect to other users'
// events and the core structures need no locks.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/blinkchat/signaling/internal/matching"
	"github.com/blinkchat/signaling/internal/metrics"
	"github.com/blinkchat/signaling/internal/protocol"
	"github.com/blinkchat/signaling/internal/registry"
	"github.com/blinkchat/signaling/internal/relay"
	"github.com/blinkchat/signaling/internal/room"
	"github.com/blinkchat/signaling/internal/stats"
)

// Config holds the controller's timer policies. The defaults are fixed
// heuristics from production tuning; they are overridable in code only.
type Config struct {
	NextPartnerDelay time.Duration // settle time between next-partner teardown and re-queue
	GraceClean       time.Duration // disconnect grace after a clean close frame
	GraceAbrupt      time.Duration // disconnect grace after an abrupt transport drop
	CommandBuffer    int           // command channel capacity
}

// DefaultConfig returns the production timer defaults.
func DefaultConfig() Config {
	return Config{
		NextPartnerDelay: 1 * time.Second,
		GraceClean:       2 * time.Second,
		GraceAbrupt:      10 * time.Second,
		CommandBuffer:    256,
	}
}

// phase is a user's position in the state machine. Unauthenticated users
// have no userState at all.
type phase int

const (
	phaseIdle phase = iota
	phaseSearching
	phaseInSession
)

// userState is the per-user record owned by the event loop. gen increments
// on every authenticate so that grace and re-queue timers scheduled against
// an older connection can detect they are stale and abort.
type userState struct {
	userID   string
	phase    phase
	gen      uint64
	userInfo json.RawMessage
	grace    *time.Timer
	next     *time.Timer
}

// Controller owns the event loop and every component it mutates.
type Controller struct {
	cfg     Config
	conns   *registry.Registry
	pool    *matching.Pool
	rooms   *room.Registry
	relay   *relay.Relay
	matcher *matching.Matchmaker
	stats   *stats.Collector

	users map[string]*userState
	cmds  chan func()
	done  chan struct{}
}

// New wires a Controller over the given registries. It installs itself as
// the room registry's timer sink and as the matchmaker's notifier.
func New(cfg Config, conns *registry.Registry, rooms *room.Registry, st *stats.Collector) *Controller {
	c := &Controller{
		cfg:   cfg,
		conns: conns,
		pool:  matching.NewPool(),
		rooms: rooms,
		relay: relay.New(rooms, conns),
		stats: st,
		users: make(map[string]*userState),
		cmds:  make(chan func(), cfg.CommandBuffer),
		done:  make(chan struct{}),
	}
	c.matcher = matching.NewMatchmaker(c.pool, conns, roomCreator{c}, c, st)

	rooms.OnTTLExpired = func(roomID string) {
		c.post(func() {
			if r, ok := c.rooms.Get(roomID); ok && r.Status == room.StatusActive {
				c.endRoom(r, protocol.ReasonTimeout, "")
			}
		})
	}
	rooms.OnRetentionDone = func(roomID string) {
		c.post(func() { c.rooms.Remove(roomID) })
	}

	return c
}

// roomCreator adapts the controller to matching.RoomCreator so room
// creation flows through the registry with metrics attached.
type roomCreator struct{ c *Controller }

func (rc roomCreator) Create(roomID, initiator, responder string) error {
	_, err := rc.c.rooms.Create(roomID, initiator, responder)
	if err == nil {
		metrics.MatchesTotal.Inc()
		metrics.ActiveRooms.Set(float64(rc.c.rooms.ActiveCount()))
	}
	return err
}

// Run processes commands until Stop is called. It must run on exactly one
// goroutine.
func (c *Controller) Run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

// Stop terminates the event loop.
func (c *Controller) Stop() {
	close(c.done)
}

// post schedules fn on the event loop. Commands posted after Stop are
// dropped.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// ---------------------------------------------------------------------------
// Inbound entry points. Each runs its handler on the event loop.
// ---------------------------------------------------------------------------

// Authenticate binds a user ID to a transport. A repeat authenticate for
// the same user replaces the prior mapping and aborts any pending
// disconnect cleanup.
func (c *Controller) Authenticate(userID string, t registry.Transport, userInfo json.RawMessage) {
	c.post(func() { c.handleAuthenticate(userID, t, userInfo) })
}

// Disconnected reports that a transport dropped. clean distinguishes a
// close frame from an abrupt transport-level failure; the abrupt grace
// window is longer.
func (c *Controller) Disconnected(userID string, t registry.Transport, clean bool) {
	if userID == "" {
		return // never authenticated, nothing to clean up
	}
	c.post(func() { c.handleDisconnect(userID, t, clean) })
}

// FindPartner enters the user into the waiting pool.
func (c *Controller) FindPartner(userID string, prefs *protocol.Preferences) {
	c.post(func() { c.handleFindPartner(userID, prefs) })
}

// CancelSearch removes the user from the waiting pool.
func (c *Controller) CancelSearch(userID string) {
	c.post(func() { c.handleCancelSearch(userID) })
}

// NextPartner ends the current room and re-queues the user after the
// settle delay.
func (c *Controller) NextPartner(userID string) {
	c.post(func() { c.handleNextPartner(userID) })
}

// EndChat ends the current room and returns the user to idle.
func (c *Controller) EndChat(userID string) {
	c.post(func() { c.handleEndChat(userID) })
}

// Offer relays an SDP offer within the sender's room.
func (c *Controller) Offer(userID, roomID string, offer json.RawMessage) {
	c.post(func() { c.relayResult(userID, protocol.TypeWebRTCOffer, c.relay.Offer(userID, roomID, offer)) })
}

// Answer relays an SDP answer within the sender's room.
func (c *Controller) Answer(userID, roomID string, answer json.RawMessage) {
	c.post(func() { c.relayResult(userID, protocol.TypeWebRTCAnswer, c.relay.Answer(userID, roomID, answer)) })
}

// Candidate relays an ICE candidate within the sender's room.
func (c *Controller) Candidate(userID, roomID string, candidate json.RawMessage) {
	c.post(func() { c.relayResult(userID, protocol.TypeWebRTCCandidate, c.relay.Candidate(userID, roomID, candidate)) })
}

// ConnectionStatus relays a media connection state report.
func (c *Controller) ConnectionStatus(userID, roomID, status string, quality json.RawMessage) {
	c.post(func() {
		c.relayResult(userID, protocol.TypeConnectionStatus, c.relay.ConnectionStatus(userID, roomID, status, quality))
	})
}

// Typing relays a typing indicator.
func (c *Controller) Typing(userID, roomID string, isTyping bool) {
	c.post(func() { c.relayResult(userID, protocol.TypeTyping, c.relay.Typing(userID, roomID, isTyping)) })
}

// Chat stamps and broadcasts a chat message to both room members.
func (c *Controller) Chat(userID, roomID, message, messageType string) {
	c.post(func() {
		_, err := c.relay.Chat(userID, roomID, message, messageType)
		if err != nil && !errors.Is(err, relay.ErrNoActiveRoom) {
			c.sendError(userID, "invalid-message", err.Error(), "")
			return
		}
		c.relayResult(userID, protocol.TypeChatMessage, err)
	})
}

// QualityReport relays a quality report.
func (c *Controller) QualityReport(userID, roomID, quality string, reportStats json.RawMessage) {
	c.post(func() {
		c.relayResult(userID, protocol.TypeQualityReport, c.relay.QualityReport(userID, roomID, quality, reportStats))
	})
}

// ---------------------------------------------------------------------------
// Handlers. Everything below runs on the event loop.
// ---------------------------------------------------------------------------

func (c *Controller) handleAuthenticate(userID string, t registry.Transport, userInfo json.RawMessage) {
	if userID == "" {
		// The user has no registry entry yet, so reply on the raw transport.
		data, err := protocol.NewServerEvent(protocol.TypeAuthError, protocol.AuthErrorMsg{
			Code:    "invalid-user-id",
			Message: "userId must not be empty",
		})
		if err == nil {
			_ = t.Send(data)
		}
		return
	}

	u, ok := c.users[userID]
	if !ok {
		u = &userState{userID: userID}
		c.users[userID] = u
	}
	u.gen++
	u.userInfo = userInfo

	// A reconnect within the grace window resumes the prior state: abort
	// the pending cleanup.
	if u.grace != nil {
		u.grace.Stop()
		u.grace = nil
		log.Printf("lifecycle: reconnect within grace window user=%s", userID)
	}

	c.conns.Register(userID, t)
	c.syncGauges()

	// Re-derive the phase: an active room or a surviving pool entry means
	// the user resumes where they left off.
	switch {
	case func() bool { _, ok := c.rooms.FindByUser(userID); return ok }():
		u.phase = phaseInSession
	case c.pool.Contains(userID):
		u.phase = phaseSearching
	default:
		u.phase = phaseIdle
	}

	c.sendEvent(userID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{UserID: userID})
	log.Printf("lifecycle: authenticated user=%s", userID)
}

func (c *Controller) handleDisconnect(userID string, t registry.Transport, clean bool) {
	// Handle-compared unregister: a superseded connection's disconnect must
	// not clobber the fresh mapping.
	if !c.conns.Unregister(userID, t) {
		return
	}
	c.syncGauges()

	u, ok := c.users[userID]
	if !ok {
		return
	}

	grace := c.cfg.GraceAbrupt
	if clean {
		grace = c.cfg.GraceClean
	}
	gen := u.gen
	u.grace = time.AfterFunc(grace, func() {
		c.post(func() { c.finalizeDisconnect(userID, gen) })
	})
	log.Printf("lifecycle: disconnect user=%s clean=%v grace=%s", userID, clean, grace)
}

// finalizeDisconnect runs when the grace window lapses without a reconnect.
// The generation guard makes a stale timer a no-op even if it fires
// concurrently with its cancellation.
func (c *Controller) finalizeDisconnect(userID string, gen uint64) {
	u, ok := c.users[userID]
	if !ok || u.gen != gen {
		return // reconnected in the meantime
	}
	u.grace = nil

	if c.pool.Dequeue(userID) {
		c.matcher.NotifyPositions()
	}
	if r, ok := c.rooms.FindByUser(userID); ok {
		c.endRoom(r, protocol.ReasonDisconnect, userID)
	}
	if u.next != nil {
		u.next.Stop()
		u.next = nil
	}
	delete(c.users, userID)
	c.syncGauges()
	log.Printf("lifecycle: disconnect finalized user=%s", userID)
}

func (c *Controller) handleFindPartner(userID string, prefs *protocol.Preferences) {
	u, ok := c.users[userID]
	if !ok {
		return // dispatcher guards this; defensive no-op if it slips through
	}

	if r, found := c.rooms.FindByUser(userID); found {
		c.sendError(userID, "already-in-room", "leave your current room before searching", r.ID)
		return
	}
	if c.pool.Contains(userID) {
		return // idempotent: already searching, no duplicate entry or notification
	}

	c.pool.Enqueue(userID, prefs)
	u.phase = phaseSearching
	c.sendEvent(userID, protocol.TypeSearching, protocol.SearchingMsg{})

	c.matcher.AttemptMatch()
	c.matcher.NotifyPositions()
	c.syncGauges()
}

func (c *Controller) handleCancelSearch(userID string) {
	if !c.pool.Dequeue(userID) {
		return
	}
	if u, ok := c.users[userID]; ok {
		u.phase = phaseIdle
	}
	c.sendEvent(userID, protocol.TypeSearchCancelled, protocol.SearchCancelledMsg{})
	c.matcher.NotifyPositions()
	c.syncGauges()
}

func (c *Controller) handleNextPartner(userID string) {
	u, ok := c.users[userID]
	if !ok {
		return
	}
	r, found := c.rooms.FindByUser(userID)
	if !found {
		c.sendError(userID, "not-in-room", "no active room to skip", "")
		return
	}

	c.endRoom(r, protocol.ReasonNextPartner, userID)

	// Let teardown settle before re-pairing; re-queue only if the
	// transport is still live when the delay fires.
	gen := u.gen
	u.next = time.AfterFunc(c.cfg.NextPartnerDelay, func() {
		c.post(func() { c.requeueAfterNext(userID, gen) })
	})
}

func (c *Controller) requeueAfterNext(userID string, gen uint64) {
	u, ok := c.users[userID]
	if !ok || u.gen != gen {
		return
	}
	u.next = nil

	if !c.conns.IsLive(userID) {
		return
	}
	if _, inRoom := c.rooms.FindByUser(userID); inRoom || c.pool.Contains(userID) {
		return
	}

	c.pool.Enqueue(userID, nil)
	u.phase = phaseSearching
	c.sendEvent(userID, protocol.TypeSearching, protocol.SearchingMsg{})
	c.matcher.AttemptMatch()
	c.matcher.NotifyPositions()
	c.syncGauges()
}

func (c *Controller) handleEndChat(userID string) {
	r, found := c.rooms.FindByUser(userID)
	if !found {
		c.sendError(userID, "not-in-room", "no active room to end", "")
		return
	}
	c.endRoom(r, protocol.ReasonUserEnded, userID)
}

// endRoom tears a room down and fans out the termination events. initiator
// is the member that caused the end, or "" for timer-driven timeouts.
func (c *Controller) endRoom(r *room.Room, reason, initiator string) {
	ended, ok := c.rooms.End(r.ID, reason)
	if !ok {
		return
	}
	metrics.RoomEndReasons.WithLabelValues(reason).Inc()
	c.syncGauges()

	for _, member := range ended.Members() {
		if u, ok := c.users[member]; ok && u.phase == phaseInSession {
			u.phase = phaseIdle
		}
	}

	duration := ended.Duration().Milliseconds()
	switch reason {
	case protocol.ReasonTimeout:
		// No initiator: both members learn the room expired.
		for _, member := range ended.Members() {
			c.sendEvent(member, protocol.TypeRoomEnded, protocol.RoomEndedMsg{
				Reason:   reason,
				RoomID:   ended.ID,
				Duration: duration,
			})
		}
	case protocol.ReasonDisconnect:
		// The initiator is gone; tell the survivor the drop may be
		// transient.
		partner := ended.Partner(initiator)
		c.sendEvent(partner, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{
			Reason:       reason,
			RoomID:       ended.ID,
			CanReconnect: true,
		})
	default:
		// user-ended / next-partner: the initiator gets a self-directed
		// acknowledgment, the partner exactly one partner-left.
		c.sendEvent(initiator, protocol.TypeRoomEnded, protocol.RoomEndedMsg{
			Reason:   reason,
			RoomID:   ended.ID,
			Duration: duration,
		})
		partner := ended.Partner(initiator)
		c.sendEvent(partner, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{
			Reason:       reason,
			RoomID:       ended.ID,
			CanReconnect: false,
		})
	}
}

// ---------------------------------------------------------------------------
// matching.Notifier implementation (invoked by the matchmaker on the loop).
// ---------------------------------------------------------------------------

// Matched transitions a member into the session phase and delivers the
// matched event.
func (c *Controller) Matched(userID string, m matching.Match) {
	if u, ok := c.users[userID]; ok {
		u.phase = phaseInSession
	}
	metrics.MatchWaitSeconds.Observe(m.WaitTime.Seconds())
	c.sendEvent(userID, protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:      m.RoomID,
		PartnerID:   m.PartnerID,
		IsInitiator: m.IsInitiator,
		WaitTime:    m.WaitTime.Milliseconds(),
	})
}

// QueueStatus delivers an updated pool position to a waiting user.
func (c *Controller) QueueStatus(userID string, q matching.QueuePosition) {
	msg := fmt.Sprintf("You're #%d in line", q.Position)
	if q.Position == 1 {
		msg = "You're next in line!"
	}
	c.sendEvent(userID, protocol.TypeQueueStatus, protocol.QueueStatusMsg{
		Position:          q.Position,
		EstimatedWaitTime: int(q.EstimatedWait.Seconds()),
		TotalWaiting:      q.TotalWaiting,
		Message:           msg,
	})
}

// ---------------------------------------------------------------------------
// Send helpers
// ---------------------------------------------------------------------------

func (c *Controller) relayResult(userID, eventType string, err error) {
	if err == nil {
		metrics.RelayedMessages.WithLabelValues(eventType).Inc()
		return
	}
	c.sendError(userID, "no-active-room", err.Error(), "")
}

func (c *Controller) sendEvent(userID, eventType string, payload interface{}) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		log.Printf("lifecycle: encode %s failed: %v", eventType, err)
		return
	}
	if err := c.conns.Send(userID, data); err != nil {
		log.Printf("lifecycle: deliver %s to %s failed: %v", eventType, userID, err)
	}
}

func (c *Controller) sendError(userID, code, message, roomID string) {
	c.sendEvent(userID, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		RoomID:  roomID,
	})
}

// syncGauges refreshes the advisory counters and Prometheus gauges from the
// authoritative in-memory structures.
func (c *Controller) syncGauges() {
	c.stats.SetActiveUsers(c.conns.Count())
	c.stats.SetWaiting(c.pool.Len())
	c.stats.SetActiveRooms(c.rooms.ActiveCount())
	metrics.ConnectedUsers.Set(float64(c.conns.Count()))
	metrics.WaitingPoolSize.Set(float64(c.pool.Len()))
	metrics.ActiveRooms.Set(float64(c.rooms.ActiveCount()))
}

// Package relay forwards signaling and chat events between the two members
// of a room. It never interprets WebRTC payloads; the only field it reads is
// the routing key (the sender's current room).
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/blinkchat/signaling/internal/protocol"
	"github.com/blinkchat/signaling/internal/room"
)

// ErrNoActiveRoom is returned when the sender has no active room or named a
// room that is not their current one. The message is dropped, never
// forwarded into a stale or wrong room.
var ErrNoActiveRoom = errors.New("relay: no active room for sender")

// Rooms resolves a user's current room. The room registry implements it.
type Rooms interface {
	FindByUser(userID string) (*room.Room, bool)
}

// Sender delivers an encoded event to a user's transport. The connection
// registry implements it.
type Sender interface {
	Send(userID string, data []byte) error
}

// Relay is the stateless forwarder. Delivery is best-effort, at-most-once:
// send failures are logged and dropped, never retried.
type Relay struct {
	rooms Rooms
	send  Sender
}

// New creates a Relay over the given room resolver and sender.
func New(rooms Rooms, send Sender) *Relay {
	return &Relay{rooms: rooms, send: send}
}

// resolve returns the sender's active room after checking that the claimed
// roomID (when present) names that room.
func (rl *Relay) resolve(senderID, roomID string) (*room.Room, error) {
	r, ok := rl.rooms.FindByUser(senderID)
	if !ok {
		return nil, ErrNoActiveRoom
	}
	if roomID != "" && roomID != r.ID {
		return nil, fmt.Errorf("%w: claimed room %s, active room %s", ErrNoActiveRoom, roomID, r.ID)
	}
	return r, nil
}

// toPartner encodes the event and delivers it to the sender's partner only.
func (rl *Relay) toPartner(r *room.Room, senderID, eventType string, payload interface{}) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		log.Printf("relay: encode %s failed: %v", eventType, err)
		return
	}
	partner := r.Partner(senderID)
	if err := rl.send.Send(partner, data); err != nil {
		log.Printf("relay: deliver %s to %s failed: %v", eventType, partner, err)
	}
}

// Offer relays an SDP offer to the sender's partner.
func (rl *Relay) Offer(senderID, roomID string, offer json.RawMessage) error {
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return err
	}
	rl.toPartner(r, senderID, protocol.TypeWebRTCOffer, protocol.SignalForward{
		RoomID:     r.ID,
		FromUserID: senderID,
		Offer:      offer,
	})
	return nil
}

// Answer relays an SDP answer to the sender's partner.
func (rl *Relay) Answer(senderID, roomID string, answer json.RawMessage) error {
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return err
	}
	rl.toPartner(r, senderID, protocol.TypeWebRTCAnswer, protocol.SignalForward{
		RoomID:     r.ID,
		FromUserID: senderID,
		Answer:     answer,
	})
	return nil
}

// Candidate relays an ICE candidate to the sender's partner.
func (rl *Relay) Candidate(senderID, roomID string, candidate json.RawMessage) error {
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return err
	}
	rl.toPartner(r, senderID, protocol.TypeWebRTCCandidate, protocol.SignalForward{
		RoomID:     r.ID,
		FromUserID: senderID,
		Candidate:  candidate,
	})
	return nil
}

// ConnectionStatus relays a media connection state report to the partner as
// partner-connection-status.
func (rl *Relay) ConnectionStatus(senderID, roomID, status string, quality json.RawMessage) error {
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return err
	}
	rl.toPartner(r, senderID, protocol.TypePartnerStatus, protocol.PartnerStatusMsg{
		RoomID:  r.ID,
		Status:  status,
		Quality: quality,
	})
	return nil
}

// Typing relays a typing indicator to the partner as partner-typing.
func (rl *Relay) Typing(senderID, roomID string, isTyping bool) error {
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return err
	}
	rl.toPartner(r, senderID, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{
		RoomID:   r.ID,
		IsTyping: isTyping,
	})
	return nil
}

// QualityReport relays a quality report to the partner as
// partner-quality-report.
func (rl *Relay) QualityReport(senderID, roomID, quality string, reportStats json.RawMessage) error {
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return err
	}
	rl.toPartner(r, senderID, protocol.TypePartnerQuality, protocol.PartnerQualityMsg{
		RoomID:  r.ID,
		Quality: quality,
		Stats:   reportStats,
	})
	return nil
}

// Chat stamps a chat message with a server-assigned id and timestamp and
// broadcasts the canonical event to both room members, sender included, so
// all parties render from one event. It returns the stamped event.
func (rl *Relay) Chat(senderID, roomID, message, messageType string) (*protocol.ChatMessageEvent, error) {
	if err := protocol.ValidateChatMessage(message); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	r, err := rl.resolve(senderID, roomID)
	if err != nil {
		return nil, err
	}

	event := &protocol.ChatMessageEvent{
		ID:          uuid.New().String(),
		RoomID:      r.ID,
		SenderID:    senderID,
		Message:     message,
		MessageType: messageType,
		Timestamp:   time.Now().UnixMilli(),
	}
	data, encErr := protocol.NewServerEvent(protocol.TypeChatMessage, event)
	if encErr != nil {
		return nil, fmt.Errorf("relay: encode chat message: %w", encErr)
	}

	for _, member := range r.Members() {
		if err := rl.send.Send(member, data); err != nil {
			log.Printf("relay: deliver chat-message to %s failed: %v", member, err)
		}
	}
	return event, nil
}

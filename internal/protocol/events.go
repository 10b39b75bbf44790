// Package protocol defines the WebSocket event types and structures exchanged
// between clients and the signaling server. Every frame is a JSON object with
// a "type" discriminator; the remaining fields sit flat in the object.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate     = "authenticate"
	TypeFindPartner      = "find-random-partner"
	TypeCancelSearch     = "cancel-search"
	TypeWebRTCOffer      = "webrtc-offer"
	TypeWebRTCAnswer     = "webrtc-answer"
	TypeWebRTCCandidate  = "webrtc-ice-candidate"
	TypeConnectionStatus = "connection-status"
	TypeNextPartner      = "next-partner"
	TypeEndChat          = "end-chat"
	TypeTyping           = "typing"
	TypeChatMessage      = "chat-message"
	TypeQualityReport    = "quality-report"
	TypePing             = "ping"
)

// Server -> Client event types. The webrtc-* types above are reused verbatim
// when relaying negotiation messages to the partner.
const (
	TypeAuthenticated   = "authenticated"
	TypeAuthError       = "auth-error"
	TypeSearching       = "searching"
	TypeQueueStatus     = "queue-status"
	TypeSearchCancelled = "search-cancelled"
	TypeMatched         = "matched"
	TypeError           = "error"
	TypePartnerLeft     = "partner-left"
	TypeRoomEnded       = "room-ended"
	TypePartnerStatus   = "partner-connection-status"
	TypePartnerTyping   = "partner-typing"
	TypePartnerQuality  = "partner-quality-report"
	TypePong            = "pong"
)

// Room end reasons carried by partner-left and room-ended events.
const (
	ReasonUserEnded   = "user-ended"
	ReasonPartnerLeft = "partner-left"
	ReasonTimeout     = "timeout"
	ReasonNextPartner = "next-partner"
	ReasonDisconnect  = "disconnect"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON bytes for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structures
// ---------------------------------------------------------------------------

// Preferences are the optional matching filters submitted with
// find-random-partner. The current pairing policy is strict FIFO: these are
// stored and echoed back but never consulted when pairing.
type Preferences struct {
	AgeRange  []int    `json:"ageRange,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Language  string   `json:"language,omitempty"`
	Gender    string   `json:"gender,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthenticateMsg binds an opaque user identifier to the connection. UserInfo
// is opaque to the server and kept only for echoing.
type AuthenticateMsg struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

// FindPartnerMsg requests entry into the waiting pool.
type FindPartnerMsg struct {
	Type        string       `json:"type"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

// CancelSearchMsg removes the user from the waiting pool.
type CancelSearchMsg struct {
	Type string `json:"type"`
}

// WebRTCOfferMsg carries an SDP offer to be relayed to the room partner. The
// offer body is never interpreted by the server.
type WebRTCOfferMsg struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId"`
	Offer        json.RawMessage `json:"offer"`
	TargetUserID string          `json:"targetUserId,omitempty"`
}

// WebRTCAnswerMsg carries an SDP answer to be relayed to the room partner.
type WebRTCAnswerMsg struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId"`
	Answer       json.RawMessage `json:"answer"`
	TargetUserID string          `json:"targetUserId,omitempty"`
}

// WebRTCCandidateMsg carries an ICE candidate to be relayed to the partner.
type WebRTCCandidateMsg struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId"`
	Candidate    json.RawMessage `json:"candidate"`
	TargetUserID string          `json:"targetUserId,omitempty"`
}

// ConnectionStatusMsg reports the sender's media connection state for relay
// to the partner.
type ConnectionStatusMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Status  string          `json:"status"`
	Quality json.RawMessage `json:"quality,omitempty"`
}

// NextPartnerMsg ends the current room and re-enters the waiting pool.
type NextPartnerMsg struct {
	Type string `json:"type"`
}

// EndChatMsg ends the current room without re-queueing.
type EndChatMsg struct {
	Type string `json:"type"`
}

// TypingMsg toggles the sender's typing indicator.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatMessageMsg is a text message sent within a room. MessageType is an
// optional client hint (e.g. "text", "emoji"); the envelope "type" field is
// reserved for the event name, hence the messageType key.
type ChatMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
}

// QualityReportMsg carries a connection quality report for relay to the
// partner.
type QualityReportMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Quality string          `json:"quality"`
	Stats   json.RawMessage `json:"stats,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms the user identifier bound to this connection.
type AuthenticatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// AuthErrorMsg reports a rejected authenticate request.
type AuthErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SearchingMsg confirms entry into the waiting pool.
type SearchingMsg struct {
	Type string `json:"type"`
}

// QueueStatusMsg reports the user's position in the waiting pool. The wait
// estimate is a simple linear function of position, not a guarantee.
type QueueStatusMsg struct {
	Type              string `json:"type"`
	Position          int    `json:"position"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"` // seconds
	TotalWaiting      int    `json:"totalWaiting"`
	Message           string `json:"message"`
}

// SearchCancelledMsg confirms removal from the waiting pool.
type SearchCancelledMsg struct {
	Type string `json:"type"`
}

// MatchedMsg notifies both members that a room has been created. The
// initiator is expected to create the WebRTC offer.
type MatchedMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	PartnerID   string `json:"partnerId"`
	IsInitiator bool   `json:"isInitiator"`
	WaitTime    int64  `json:"waitTime"` // milliseconds spent in the pool
}

// ErrorMsg reports a protocol error to the sender. RoomID is set when the
// error concerns an existing room (e.g. "already-in-room").
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// PartnerLeftMsg tells the remaining member their partner ended the room.
// CanReconnect hints that the cause was transient (e.g. a network drop).
type PartnerLeftMsg struct {
	Type         string `json:"type"`
	Reason       string `json:"reason"`
	RoomID       string `json:"roomId"`
	CanReconnect bool   `json:"canReconnect"`
}

// RoomEndedMsg acknowledges room teardown to a member, carrying the reason
// and the room's lifetime.
type RoomEndedMsg struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	RoomID   string `json:"roomId"`
	Duration int64  `json:"duration"` // milliseconds
}

// SignalForward is the relayed form of a webrtc-* event, identifying the
// originating member.
type SignalForward struct {
	Type       string          `json:"type"`
	RoomID     string          `json:"roomId"`
	FromUserID string          `json:"fromUserId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// PartnerStatusMsg relays the partner's connection-status report.
type PartnerStatusMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Status  string          `json:"status"`
	Quality json.RawMessage `json:"quality,omitempty"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatMessageEvent is the canonical chat message broadcast to both room
// members, carrying the server-assigned id and timestamp.
type ChatMessageEvent struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	SenderID    string `json:"senderId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
}

// PartnerQualityMsg relays the partner's quality report.
type PartnerQualityMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Quality string          `json:"quality"`
	Stats   json.RawMessage `json:"stats,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered. Unknown or server-only types yield an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindPartner:
		var m FindPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelSearch:
		var m CancelSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCOffer:
		var m WebRTCOfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCAnswer:
		var m WebRTCAnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCCandidate:
		var m WebRTCCandidateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConnectionStatus:
		var m ConnectionStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextPartner:
		var m NextPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQualityReport:
		var m QualityReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event. The
// eventType is injected into the payload under the "type" key. The payload
// should be one of the server event structs above.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}

// MaxChatMessageBytes bounds the byte length of a chat message body.
const MaxChatMessageBytes = 4096

// MaxChatMessageChars bounds the character count of a chat message body.
const MaxChatMessageChars = 2000

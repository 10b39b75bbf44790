package ws

import (
	"encoding/json"
	"log"

	"github.com/blinkchat/signaling/internal/protocol"
	"github.com/blinkchat/signaling/internal/registry"
)

// Controller receives the decoded client events. The lifecycle controller
// implements it; tests inject fakes.
type Controller interface {
	Authenticate(userID string, t registry.Transport, userInfo json.RawMessage)
	Disconnected(userID string, t registry.Transport, clean bool)
	FindPartner(userID string, prefs *protocol.Preferences)
	CancelSearch(userID string)
	NextPartner(userID string)
	EndChat(userID string)
	Offer(userID, roomID string, offer json.RawMessage)
	Answer(userID, roomID string, answer json.RawMessage)
	Candidate(userID, roomID string, candidate json.RawMessage)
	ConnectionStatus(userID, roomID, status string, quality json.RawMessage)
	Typing(userID, roomID string, isTyping bool)
	Chat(userID, roomID, message, messageType string)
	QualityReport(userID, roomID, quality string, reportStats json.RawMessage)
}

// Dispatcher parses raw frames into typed events and routes them to the
// controller. It enforces the transport-level preconditions: every event
// except authenticate and ping requires a bound user, and chat messages are
// subject to the per-connection rate budget.
type Dispatcher struct {
	ctrl Controller
}

// NewDispatcher creates a Dispatcher over the given controller.
func NewDispatcher(ctrl Controller) *Dispatcher {
	return &Dispatcher{ctrl: ctrl}
}

// Dispatch is the server's onMessage callback.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse-error", "invalid message format")
		return
	}

	// Built-in keepalive, no authentication required.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	if msgType == protocol.TypeAuthenticate {
		m := msg.(protocol.AuthenticateMsg)
		// A connection switching to a different user retires its old binding
		// first. Otherwise the old userId would keep pointing at this live
		// transport forever: never reported disconnected, still matchable.
		if prev := conn.UserID(); prev != "" && prev != m.UserID {
			log.Printf("ws: rebind conn=%s user=%s -> %s", conn.ID, prev, m.UserID)
			d.ctrl.Disconnected(prev, conn, true)
		}
		if m.UserID != "" {
			conn.BindUser(m.UserID)
		}
		d.ctrl.Authenticate(m.UserID, conn, m.UserInfo)
		return
	}

	userID := conn.UserID()
	if userID == "" {
		d.sendError(conn, "not-authenticated", "authenticate before sending events")
		return
	}

	switch m := msg.(type) {
	case protocol.FindPartnerMsg:
		d.ctrl.FindPartner(userID, m.Preferences)
	case protocol.CancelSearchMsg:
		d.ctrl.CancelSearch(userID)
	case protocol.NextPartnerMsg:
		d.ctrl.NextPartner(userID)
	case protocol.EndChatMsg:
		d.ctrl.EndChat(userID)
	case protocol.WebRTCOfferMsg:
		d.ctrl.Offer(userID, m.RoomID, m.Offer)
	case protocol.WebRTCAnswerMsg:
		d.ctrl.Answer(userID, m.RoomID, m.Answer)
	case protocol.WebRTCCandidateMsg:
		d.ctrl.Candidate(userID, m.RoomID, m.Candidate)
	case protocol.ConnectionStatusMsg:
		d.ctrl.ConnectionStatus(userID, m.RoomID, m.Status, m.Quality)
	case protocol.TypingMsg:
		d.ctrl.Typing(userID, m.RoomID, m.IsTyping)
	case protocol.ChatMessageMsg:
		if !conn.AllowChat() {
			d.sendError(conn, "rate-limited", "too many messages, slow down")
			return
		}
		d.ctrl.Chat(userID, m.RoomID, m.Message, m.MessageType)
	case protocol.QualityReportMsg:
		d.ctrl.QualityReport(userID, m.RoomID, m.Quality, m.Stats)
	default:
		log.Printf("ws: unsupported event type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported-type", "unsupported event type")
	}
}

// sendError sends a structured error event back to the client.
func (d *Dispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and refreshes the activity timestamp.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send pong conn=%s: %v", conn.ID, err)
	}
}

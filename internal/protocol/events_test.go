package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid authenticate message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Authenticate(t *testing.T) {
	input := []byte(`{"type":"authenticate","userId":"user-42","userInfo":{"nick":"kay"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuthenticate {
		t.Fatalf("expected type %q, got %q", TypeAuthenticate, msgType)
	}

	am, ok := msg.(AuthenticateMsg)
	if !ok {
		t.Fatalf("expected AuthenticateMsg, got %T", msg)
	}
	if am.UserID != "user-42" {
		t.Errorf("expected userId %q, got %q", "user-42", am.UserID)
	}
	if len(am.UserInfo) == 0 {
		t.Errorf("expected userInfo to be preserved, got empty")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing find-random-partner with preferences
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindPartner(t *testing.T) {
	input := []byte(`{"type":"find-random-partner","preferences":{"ageRange":[18,30],"interests":["music","gaming"],"language":"en"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindPartner {
		t.Fatalf("expected type %q, got %q", TypeFindPartner, msgType)
	}

	fm, ok := msg.(FindPartnerMsg)
	if !ok {
		t.Fatalf("expected FindPartnerMsg, got %T", msg)
	}
	if fm.Preferences == nil {
		t.Fatal("expected preferences to be set")
	}
	if len(fm.Preferences.AgeRange) != 2 || fm.Preferences.AgeRange[0] != 18 {
		t.Errorf("unexpected ageRange: %v", fm.Preferences.AgeRange)
	}
	if len(fm.Preferences.Interests) != 2 {
		t.Errorf("expected 2 interests, got %d", len(fm.Preferences.Interests))
	}
	if fm.Preferences.Language != "en" {
		t.Errorf("expected language %q, got %q", "en", fm.Preferences.Language)
	}
}

// Preferences are optional.
func TestParseClientMessage_FindPartnerNoPreferences(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"find-random-partner"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFindPartner {
		t.Fatalf("expected type %q, got %q", TypeFindPartner, msgType)
	}
	if fm := msg.(FindPartnerMsg); fm.Preferences != nil {
		t.Errorf("expected nil preferences, got %+v", fm.Preferences)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a webrtc-offer keeps the SDP body opaque
// ---------------------------------------------------------------------------

func TestParseClientMessage_WebRTCOffer(t *testing.T) {
	input := []byte(`{"type":"webrtc-offer","roomId":"room-1","offer":{"sdp":"v=0...","type":"offer"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeWebRTCOffer {
		t.Fatalf("expected type %q, got %q", TypeWebRTCOffer, msgType)
	}

	om, ok := msg.(WebRTCOfferMsg)
	if !ok {
		t.Fatalf("expected WebRTCOfferMsg, got %T", msg)
	}
	if om.RoomID != "room-1" {
		t.Errorf("expected roomId %q, got %q", "room-1", om.RoomID)
	}

	// The offer body must survive untouched.
	var sdp struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(om.Offer, &sdp); err != nil {
		t.Fatalf("offer body not preserved: %v", err)
	}
	if sdp.SDP != "v=0..." {
		t.Errorf("unexpected sdp: %q", sdp.SDP)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat-message with the messageType hint
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMessage(t *testing.T) {
	input := []byte(`{"type":"chat-message","roomId":"room-9","message":"hello there","messageType":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeChatMessage {
		t.Fatalf("expected type %q, got %q", TypeChatMessage, msgType)
	}

	cm, ok := msg.(ChatMessageMsg)
	if !ok {
		t.Fatalf("expected ChatMessageMsg, got %T", msg)
	}
	if cm.RoomID != "room-9" {
		t.Errorf("expected roomId %q, got %q", "room-9", cm.RoomID)
	}
	if cm.Message != "hello there" {
		t.Errorf("expected message %q, got %q", "hello there", cm.Message)
	}
	if cm.MessageType != "text" {
		t.Errorf("expected messageType %q, got %q", "text", cm.MessageType)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown, missing-type and malformed inputs are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"teleport","data":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"roomId":"room-1"}`))
	if err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"ping"`))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// Server-only event names must not be accepted from clients.
func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"matched","roomId":"room-1"}`))
	if err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Building a matched server event
// ---------------------------------------------------------------------------

func TestNewServerEvent_Matched(t *testing.T) {
	payload := MatchedMsg{
		RoomID:      "room-xyz",
		PartnerID:   "user-7",
		IsInitiator: true,
		WaitTime:    2500,
	}

	data, err := NewServerEvent(TypeMatched, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, result["type"])
	}
	if result["roomId"] != "room-xyz" {
		t.Errorf("expected roomId %q, got %v", "room-xyz", result["roomId"])
	}
	if result["partnerId"] != "user-7" {
		t.Errorf("expected partnerId %q, got %v", "user-7", result["partnerId"])
	}
	if result["isInitiator"] != true {
		t.Errorf("expected isInitiator true, got %v", result["isInitiator"])
	}
	wait, ok := result["waitTime"].(float64)
	if !ok || int(wait) != 2500 {
		t.Errorf("expected waitTime 2500, got %v", result["waitTime"])
	}
}

// The "type" key always wins over whatever the payload carries.
func TestNewServerEvent_TypeOverridesPayload(t *testing.T) {
	data, err := NewServerEvent(TypePartnerLeft, PartnerLeftMsg{
		Type:   "something-else",
		Reason: ReasonDisconnect,
		RoomID: "room-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypePartnerLeft {
		t.Errorf("expected type %q, got %v", TypePartnerLeft, result["type"])
	}
	if result["reason"] != ReasonDisconnect {
		t.Errorf("expected reason %q, got %v", ReasonDisconnect, result["reason"])
	}
}

// ---------------------------------------------------------------------------
// Test: Chat message validation limits
// ---------------------------------------------------------------------------

func TestValidateChatMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"valid short", "hello", false},
		{"valid unicode", "héllo wörld 👋", false},
		{"empty", "", true},
		{"whitespace only", "   \t\n ", true},
		{"at char limit", strings.Repeat("a", MaxChatMessageChars), false},
		{"over char limit", strings.Repeat("a", MaxChatMessageChars+1), true},
		{"over byte limit", strings.Repeat("全", MaxChatMessageBytes/3+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChatMessage(%q...) error = %v, wantErr %v",
					truncate(tt.text, 16), err, tt.wantErr)
			}
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

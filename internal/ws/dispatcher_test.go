package ws

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/blinkchat/signaling/internal/lifecycle"
	"github.com/blinkchat/signaling/internal/protocol"
	"github.com/blinkchat/signaling/internal/registry"
	"github.com/blinkchat/signaling/internal/room"
	"github.com/blinkchat/signaling/internal/stats"
)

// fakeCtrl records every routed call in order.
type fakeCtrl struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCtrl) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeCtrl) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCtrl) Authenticate(userID string, t registry.Transport, _ json.RawMessage) {
	f.record("authenticate:" + userID)
}

func (f *fakeCtrl) Disconnected(userID string, t registry.Transport, clean bool) {
	f.record(fmt.Sprintf("disconnected:%s:%v", userID, clean))
}

func (f *fakeCtrl) FindPartner(userID string, _ *protocol.Preferences) { f.record("find:" + userID) }

func (f *fakeCtrl) CancelSearch(userID string) { f.record("cancel:" + userID) }

func (f *fakeCtrl) NextPartner(userID string) { f.record("next:" + userID) }

func (f *fakeCtrl) EndChat(userID string) { f.record("end:" + userID) }

func (f *fakeCtrl) Offer(userID, roomID string, _ json.RawMessage) { f.record("offer:" + userID) }

func (f *fakeCtrl) Answer(userID, roomID string, _ json.RawMessage) { f.record("answer:" + userID) }

func (f *fakeCtrl) Candidate(userID, roomID string, _ json.RawMessage) {
	f.record("candidate:" + userID)
}

func (f *fakeCtrl) ConnectionStatus(userID, roomID, status string, _ json.RawMessage) {
	f.record("status:" + userID)
}

func (f *fakeCtrl) Typing(userID, roomID string, isTyping bool) { f.record("typing:" + userID) }

func (f *fakeCtrl) Chat(userID, roomID, message, messageType string) { f.record("chat:" + userID) }

func (f *fakeCtrl) QualityReport(userID, roomID, quality string, _ json.RawMessage) {
	f.record("quality:" + userID)
}

// newTestConn builds a Connection over a pipe and decodes every frame the
// server writes onto the returned channel.
func newTestConn(t *testing.T, id string) (*Connection, <-chan map[string]interface{}) {
	t.Helper()
	client, server := net.Pipe()
	c := newConnection(id, server, -1)

	events := make(chan map[string]interface{}, 64)
	go func() {
		defer close(events)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				events <- m
			}
		}
	}()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return c, events
}

func awaitEvent(t *testing.T, events <-chan map[string]interface{}, eventType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", eventType)
			}
			if ev["type"] == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", eventType)
		}
	}
}

func TestDispatchRebindRetiresPriorUser(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := NewDispatcher(ctrl)
	conn, _ := newTestConn(t, "conn-1")

	d.Dispatch(conn, []byte(`{"type":"authenticate","userId":"user-a"}`))
	d.Dispatch(conn, []byte(`{"type":"authenticate","userId":"user-b"}`))

	want := []string{
		"authenticate:user-a",
		"disconnected:user-a:true",
		"authenticate:user-b",
	}
	got := ctrl.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if conn.UserID() != "user-b" {
		t.Errorf("expected binding user-b, got %q", conn.UserID())
	}
}

func TestDispatchReauthSameUser(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := NewDispatcher(ctrl)
	conn, _ := newTestConn(t, "conn-1")

	d.Dispatch(conn, []byte(`{"type":"authenticate","userId":"user-a"}`))
	d.Dispatch(conn, []byte(`{"type":"authenticate","userId":"user-a"}`))

	for _, call := range ctrl.snapshot() {
		if call == "disconnected:user-a:true" {
			t.Fatal("re-authenticating the same user must not report a disconnect")
		}
	}
}

func TestDispatchRequiresAuthentication(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := NewDispatcher(ctrl)
	conn, events := newTestConn(t, "conn-1")

	d.Dispatch(conn, []byte(`{"type":"find-random-partner"}`))

	ev := awaitEvent(t, events, protocol.TypeError)
	if ev["code"] != "not-authenticated" {
		t.Errorf("expected code not-authenticated, got %v", ev["code"])
	}
	if calls := ctrl.snapshot(); len(calls) != 0 {
		t.Errorf("no controller calls expected, got %v", calls)
	}
}

func TestDispatchPing(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := NewDispatcher(ctrl)
	conn, events := newTestConn(t, "conn-1")

	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	awaitEvent(t, events, protocol.TypePong)
	if calls := ctrl.snapshot(); len(calls) != 0 {
		t.Errorf("ping must not reach the controller, got %v", calls)
	}
}

func TestDispatchChatRateLimit(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := NewDispatcher(ctrl)
	conn, events := newTestConn(t, "conn-1")

	d.Dispatch(conn, []byte(`{"type":"authenticate","userId":"user-a"}`))

	// The budget allows a burst of 5; the sixth is rejected.
	for i := 0; i < chatRateBurst+1; i++ {
		d.Dispatch(conn, []byte(`{"type":"chat-message","roomId":"r","message":"hi"}`))
	}

	ev := awaitEvent(t, events, protocol.TypeError)
	if ev["code"] != "rate-limited" {
		t.Errorf("expected code rate-limited, got %v", ev["code"])
	}

	chats := 0
	for _, call := range ctrl.snapshot() {
		if call == "chat:user-a" {
			chats++
		}
	}
	if chats != chatRateBurst {
		t.Errorf("expected %d forwarded chats, got %d", chatRateBurst, chats)
	}
}

// A connection that switches identity mid-session must not leave its old
// userId behind as a matchable entry in the waiting pool.
func TestRebindDoesNotLeaveGhostInPool(t *testing.T) {
	conns := registry.New()
	rooms := room.NewRegistry(room.Config{TTL: time.Minute, Retention: time.Minute})
	ctrl := lifecycle.New(lifecycle.DefaultConfig(), conns, rooms, stats.NewCollector())
	go ctrl.Run()
	t.Cleanup(ctrl.Stop)
	d := NewDispatcher(ctrl)

	conn1, ev1 := newTestConn(t, "conn-1")
	conn2, ev2 := newTestConn(t, "conn-2")

	// user-a searches, then the same connection rebinds to user-b.
	d.Dispatch(conn1, []byte(`{"type":"authenticate","userId":"user-a"}`))
	awaitEvent(t, ev1, protocol.TypeAuthenticated)
	d.Dispatch(conn1, []byte(`{"type":"find-random-partner"}`))
	awaitEvent(t, ev1, protocol.TypeSearching)
	d.Dispatch(conn1, []byte(`{"type":"authenticate","userId":"user-b"}`))
	awaitEvent(t, ev1, protocol.TypeAuthenticated)

	// user-c searches: the leftover user-a entry is dead and must be
	// skipped, so user-c waits instead of pairing with a ghost.
	d.Dispatch(conn2, []byte(`{"type":"authenticate","userId":"user-c"}`))
	awaitEvent(t, ev2, protocol.TypeAuthenticated)
	d.Dispatch(conn2, []byte(`{"type":"find-random-partner"}`))
	q := awaitEvent(t, ev2, protocol.TypeQueueStatus)
	if q["position"] != float64(1) {
		t.Fatalf("expected user-c alone at position 1, got %v", q["position"])
	}

	// user-b searches and pairs with user-c.
	d.Dispatch(conn1, []byte(`{"type":"find-random-partner"}`))
	m := awaitEvent(t, ev2, protocol.TypeMatched)
	if m["partnerId"] != "user-b" {
		t.Errorf("expected user-c matched with user-b, got %v", m["partnerId"])
	}
}

func TestConnectionActivityTimestamp(t *testing.T) {
	conn, _ := newTestConn(t, "conn-1")
	before := conn.LastActive()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				conn.Touch()
				_ = conn.LastActive()
			}
		}()
	}
	wg.Wait()

	if conn.LastActive().Before(before) {
		t.Error("activity timestamp went backwards")
	}
}

package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/blinkchat/signaling/internal/stats"
)

func TestHandleConnRejectsOversizedFrame(t *testing.T) {
	s := NewServer(DefaultServerConfig(), stats.NewCollector(), nil)
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		t.Fatalf("epoll init: %v", err)
	}
	t.Cleanup(func() { _ = s.epoll.Close() })

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	c := newConnection("conn-1", server, -1)
	s.conns.Add(c)

	disconnected := make(chan bool, 1)
	s.SetOnDisconnect(func(conn *Connection, clean bool) {
		disconnected <- clean
	})

	// A header advertising a payload beyond the cap, with no body behind
	// it. The server must drop the connection before allocating.
	go func() {
		hdr := ws.Header{
			Fin:    true,
			OpCode: ws.OpText,
			Masked: true,
			Length: maxFrameBytes + 1,
		}
		_ = ws.WriteHeader(client, hdr)
	}()

	s.handleConn(server)

	select {
	case clean := <-disconnected:
		if clean {
			t.Error("oversized frame should count as an abrupt disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not removed")
	}
	if s.conns.Get("conn-1") != nil {
		t.Error("connection still registered after oversized frame")
	}
}

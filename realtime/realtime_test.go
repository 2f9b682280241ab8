package realtime

import (
	"testing"

	"pairchat/models"
)

func newConn(userID string) *Connection {
	return NewConnection(models.Identity{ID: userID}, nil)
}

// drain returns the frames queued on c without a running write loop.
func drain(c *Connection) []string {
	var out []string
	for {
		select {
		case msg := <-c.send:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestRoomFor(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"alice", "bob", "alice-bob"},
		{"bob", "alice", "alice-bob"},
		{"x", "x", "x-x"},
		{"0190a", "0190b", "0190a-0190b"},
	}
	for _, tt := range tests {
		if got := RoomFor(tt.a, tt.b); got != tt.want {
			t.Errorf("RoomFor(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestHubBroadcastToRoom(t *testing.T) {
	hub := NewHub()
	a, b, c := newConn("a"), newConn("b"), newConn("c")
	for _, conn := range []*Connection{a, b, c} {
		hub.Add(conn)
	}

	room := RoomFor("a", "b")
	hub.Join(room, a)
	hub.Join(room, b)
	hub.Join(room, b)

	if !hub.Subscribed(room, a) || hub.Subscribed(room, c) {
		t.Error("Unexpected subscription state")
	}
	if n := hub.Members(room); n != 2 {
		t.Fatalf("Expected 2 members, got %d", n)
	}

	if n := hub.Broadcast(room, []byte("hello"), ""); n != 2 {
		t.Errorf("Expected 2 deliveries, got %d", n)
	}
	if got := drain(a); len(got) != 1 || got[0] != "hello" {
		t.Errorf("a got %v", got)
	}
	if got := drain(b); len(got) != 1 {
		t.Errorf("b should receive once despite double join, got %v", got)
	}
	if got := drain(c); len(got) != 0 {
		t.Errorf("c is not in the room, got %v", got)
	}
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	a, b := newConn("a"), newConn("b")
	hub.Add(a)
	hub.Add(b)
	hub.Join("r", a)
	hub.Join("r", b)

	if n := hub.Broadcast("r", []byte("typing"), a.ID); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if got := drain(a); len(got) != 0 {
		t.Errorf("Excluded connection received %v", got)
	}
	if got := drain(b); len(got) != 1 {
		t.Errorf("b got %v", got)
	}
}

func TestHubRemoveClearsMemberships(t *testing.T) {
	hub := NewHub()
	a := newConn("a")
	hub.Add(a)
	hub.Join("r1", a)
	hub.Join("r2", a)

	hub.Remove(a)
	if hub.Len() != 0 || hub.Members("r1") != 0 || hub.Members("r2") != 0 {
		t.Fatalf("Expected hub to be empty, len=%d", hub.Len())
	}

	// Joining after removal is ignored.
	hub.Join("r1", a)
	if hub.Members("r1") != 0 {
		t.Error("Removed connection must not rejoin")
	}
}

func TestHubBroadcastAllAndLeave(t *testing.T) {
	hub := NewHub()
	a, b := newConn("a"), newConn("b")
	hub.Add(a)
	hub.Add(b)
	hub.Join("r", a)
	hub.Leave("r", a)

	if n := hub.Broadcast("r", []byte("x"), ""); n != 0 {
		t.Errorf("Expected empty room, got %d deliveries", n)
	}
	if n := hub.BroadcastAll([]byte("all")); n != 2 {
		t.Errorf("Expected 2 deliveries, got %d", n)
	}
}

func TestSendAfterClose(t *testing.T) {
	c := newConn("a")
	c.Close(1000, "bye")
	c.Close(1000, "twice")

	if err := c.Send([]byte("x")); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestSlowConnectionIsClosed(t *testing.T) {
	c := newConn("a")
	for i := 0; i < sendBuffer; i++ {
		if err := c.Send([]byte("x")); err != nil {
			t.Fatalf("Send %d failed early: %v", i, err)
		}
	}
	if err := c.Send([]byte("overflow")); err != ErrBufferFull {
		t.Fatalf("Expected ErrBufferFull, got %v", err)
	}
	if err := c.Send([]byte("x")); err != ErrClosed {
		t.Errorf("Expected ErrClosed after overflow, got %v", err)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	a := newConn("a")
	hub.Add(a)
	hub.Close("shutdown")

	if hub.Len() != 0 {
		t.Errorf("Expected empty hub, got %d", hub.Len())
	}
	select {
	case <-a.Done():
	default:
		t.Error("Connection should be closed on hub close")
	}
}

func TestInRoom(t *testing.T) {
	a := "0190f2c4-aaaa-7000-8000-000000000001"
	b := "0190f2c4-bbbb-7000-8000-000000000002"
	room := RoomFor(b, a)

	if !InRoom(room, a) || !InRoom(room, b) {
		t.Errorf("Participants must be in %s", room)
	}
	if InRoom(room, "0190f2c4-cccc-7000-8000-000000000003") {
		t.Error("Outsider must not be in the room")
	}
	if InRoom(room, "") {
		t.Error("Empty id must not match")
	}
}

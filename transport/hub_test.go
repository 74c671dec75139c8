package transport

import (
	"testing"
	"time"
)

func recvOne(t *testing.T, tr Transport, timeout time.Duration) Inbound {
	t.Helper()
	select {
	case msg := <-tr.Receive():
		return msg
	case <-time.After(timeout):
		t.Fatal("no message received")
		return Inbound{}
	}
}

func expectSilence(t *testing.T, tr Transport, d time.Duration) {
	t.Helper()
	select {
	case msg := <-tr.Receive():
		t.Fatalf("unexpected message from %s", msg.From)
	case <-time.After(d):
	}
}

func TestHubDeliver(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	if err := a.Send("b", TypeStatus, []byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	msg := recvOne(t, b, time.Second)
	if msg.From != "a" || msg.Type != TypeStatus || string(msg.Payload) != "hello" {
		t.Errorf("got {%s %d %q}", msg.From, msg.Type, msg.Payload)
	}

	if err := a.Send("nobody", TypeStatus, nil); err != ErrUnknownPeer {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestHubPayloadIsolated(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	buf := []byte("original")
	a.Send("b", TypeStatus, buf)
	buf[0] = 'X'

	msg := recvOne(t, b, time.Second)
	if string(msg.Payload) != "original" {
		t.Errorf("receiver saw sender's mutation: %q", msg.Payload)
	}
}

func TestHubDropLink(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	hub.DropLink("a", "b")

	// Dropped sends succeed silently.
	if err := a.Send("b", TypeStatus, []byte("x")); err != nil {
		t.Fatalf("send on dropped link errored: %v", err)
	}
	expectSilence(t, b, 50*time.Millisecond)

	// The reverse direction still works.
	b.Send("a", TypeStatus, []byte("y"))
	recvOne(t, a, time.Second)

	hub.RestoreLink("a", "b")
	a.Send("b", TypeStatus, []byte("z"))
	recvOne(t, b, time.Second)
}

func TestHubIsolateAndHeal(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	c := hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	hub.Isolate("b")

	a.Send("b", TypeStatus, []byte("x"))
	b.Send("c", TypeStatus, []byte("y"))
	expectSilence(t, b, 50*time.Millisecond)
	expectSilence(t, c, 50*time.Millisecond)

	// Unrelated links stay up.
	a.Send("c", TypeStatus, []byte("z"))
	recvOne(t, c, time.Second)

	hub.Heal("b")
	a.Send("b", TypeStatus, []byte("w"))
	recvOne(t, b, time.Second)
}

func TestHubPartition(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	c := hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	hub.Partition(map[string]int{"a": 1, "b": 1, "c": 2})

	a.Send("b", TypeStatus, []byte("same group"))
	recvOne(t, b, time.Second)

	a.Send("c", TypeStatus, []byte("other group"))
	expectSilence(t, c, 50*time.Millisecond)

	hub.ClearPartitions()
	a.Send("c", TypeStatus, []byte("reunited"))
	recvOne(t, c, time.Second)
}

func TestHubDropFunc(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	// Drop only votes; everything else flows.
	hub.SetDropFunc(func(from, to string, msgType uint8) bool {
		return msgType == TypeVote
	})

	a.Send("b", TypeVote, []byte("vote"))
	expectSilence(t, b, 50*time.Millisecond)

	a.Send("b", TypeProposal, []byte("proposal"))
	msg := recvOne(t, b, time.Second)
	if msg.Type != TypeProposal {
		t.Errorf("got type %d, want proposal", msg.Type)
	}

	hub.SetDropFunc(nil)
	a.Send("b", TypeVote, []byte("vote"))
	recvOne(t, b, time.Second)
}

func TestHubClosedTransport(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer b.Close()

	a.Close()
	if err := a.Send("b", TypeStatus, nil); err != ErrTransportShutdown {
		t.Errorf("expected ErrTransportShutdown, got %v", err)
	}
	// A closed peer is gone from the hub.
	if err := b.Send("a", TypeStatus, nil); err != ErrUnknownPeer {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

package transport

import (
	"testing"
	"time"
)

func TestEncodeDecodeMsg(t *testing.T) {
	status := &StatusMsg{Height: 42, Round: 3, Step: 2}
	data, err := EncodeMsg(status)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded StatusMsg
	if err := DecodeMsg(data, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != *status {
		t.Errorf("got %+v, want %+v", decoded, *status)
	}
}

func TestDecodeMsgMalformed(t *testing.T) {
	var status StatusMsg
	if err := DecodeMsg([]byte{0xff, 0x01, 0x02}, &status); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestTCPTransportRoundtrip(t *testing.T) {
	a, err := NewTCPTransport("node-a", "127.0.0.1:0", time.Second, DefaultMaxPool, nil)
	if err != nil {
		t.Fatalf("failed to start transport a: %v", err)
	}
	defer a.Close()

	b, err := NewTCPTransport("node-b", "127.0.0.1:0", time.Second, DefaultMaxPool, nil)
	if err != nil {
		t.Fatalf("failed to start transport b: %v", err)
	}
	defer b.Close()

	if err := a.Send(b.LocalAddr(), TypeStatus, []byte("ping")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case msg := <-b.Receive():
		if msg.From != "node-a" || msg.Type != TypeStatus || string(msg.Payload) != "ping" {
			t.Errorf("got {%s %d %q}", msg.From, msg.Type, msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}

	// The pooled connection is reused for a second send.
	if err := a.Send(b.LocalAddr(), TypeVote, []byte("pong")); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	select {
	case msg := <-b.Receive():
		if msg.Type != TypeVote {
			t.Errorf("got type %d, want vote", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second message never arrived")
	}
}

func TestTCPTransportSendAfterClose(t *testing.T) {
	a, err := NewTCPTransport("node-a", "127.0.0.1:0", time.Second, DefaultMaxPool, nil)
	if err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := a.Send("127.0.0.1:1", TypeStatus, nil); err != ErrTransportShutdown {
		t.Errorf("expected ErrTransportShutdown, got %v", err)
	}
}

func TestTCPTransportRejectsUnknownType(t *testing.T) {
	b, err := NewTCPTransport("node-b", "127.0.0.1:0", time.Second, DefaultMaxPool, nil)
	if err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer b.Close()

	a, err := NewTCPTransport("node-a", "127.0.0.1:0", time.Second, DefaultMaxPool, nil)
	if err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer a.Close()

	// An out-of-range type byte closes the connection without delivery.
	if err := a.Send(b.LocalAddr(), 99, []byte("x")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case msg := <-b.Receive():
		t.Fatalf("unexpected delivery of type %d", msg.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

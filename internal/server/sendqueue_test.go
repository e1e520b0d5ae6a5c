package server

import (
	"testing"
	"time"

	"github.com/beatsync/server/internal/protocol"
)

func TestSendQueueOrdering(t *testing.T) {
	q := NewSendQueue(8)
	q.Push(protocol.Pong{})
	q.Push(protocol.OK(protocol.SvChat))
	q.Push(protocol.ChangeHost{IsHost: true})

	expectKinds := []protocol.ServerKind{protocol.SvPong, protocol.SvChat, protocol.SvChangeHost}
	for i, want := range expectKinds {
		cmd, ok, closed := q.Pop(time.Second)
		if !ok || closed {
			t.Fatalf("pop %d: ok=%v closed=%v", i, ok, closed)
		}
		if cmd.ServerKind() != want {
			t.Fatalf("pop %d: kind %d, want %d", i, cmd.ServerKind(), want)
		}
	}
}

func TestSendQueuePopTimeout(t *testing.T) {
	q := NewSendQueue(1)
	start := time.Now()
	_, ok, closed := q.Pop(20 * time.Millisecond)
	if ok || closed {
		t.Fatalf("empty queue: ok=%v closed=%v", ok, closed)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Pop returned before the deadline")
	}
}

func TestSendQueueDropsWhenFull(t *testing.T) {
	q := NewSendQueue(2)
	if !q.Push(protocol.Pong{}) || !q.Push(protocol.Pong{}) {
		t.Fatal("pushes within capacity must succeed")
	}
	if q.Push(protocol.Pong{}) {
		t.Fatal("push to a full queue must drop")
	}
}

func TestSendQueueCloseDrainsThenReportsClosed(t *testing.T) {
	q := NewSendQueue(4)
	q.Push(protocol.Pong{})
	q.Close()
	q.Close() // idempotent

	if q.Push(protocol.Pong{}) {
		t.Fatal("push after close must drop")
	}

	if _, ok, closed := q.Pop(time.Second); !ok || closed {
		t.Fatal("pending command must drain after close")
	}
	if _, ok, closed := q.Pop(time.Second); ok || !closed {
		t.Fatal("drained closed queue must report closed")
	}
}

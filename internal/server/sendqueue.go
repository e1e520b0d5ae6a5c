// Package server implements the TCP session server: per-connection
// reader/writer/heartbeat pumps, the user and room state machines, and
// the registry that ties them together.
package server

import (
	"sync"
	"time"

	"github.com/beatsync/server/internal/protocol"
)

// SendQueue is the bounded outbound FIFO owned by one session. Pushes
// never block: a full queue drops the newest command, and pushes after
// Close are silently discarded. The writer pump is the only consumer.
type SendQueue struct {
	mu     sync.Mutex
	ch     chan protocol.ServerCommand
	closed bool
}

// NewSendQueue creates a queue holding at most capacity commands.
func NewSendQueue(capacity int) *SendQueue {
	return &SendQueue{ch: make(chan protocol.ServerCommand, capacity)}
}

// Push enqueues cmd. Returns false when the command was dropped, either
// because the queue is closed or full. Callers treat both the same.
func (q *SendQueue) Push(cmd protocol.ServerCommand) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// Pop dequeues one command, waiting up to timeout. closed is true once
// the queue has been closed and fully drained; ok is false on a plain
// timeout.
func (q *SendQueue) Pop(timeout time.Duration) (cmd protocol.ServerCommand, ok bool, closed bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case cmd, ok := <-q.ch:
		if !ok {
			return nil, false, true
		}
		return cmd, true, false
	case <-timer.C:
		return nil, false, false
	}
}

// Close marks the queue closed. Idempotent; pending commands remain
// poppable until drained.
func (q *SendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len reports the number of queued commands.
func (q *SendQueue) Len() int {
	return len(q.ch)
}

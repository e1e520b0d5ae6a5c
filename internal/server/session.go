package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/monitoring"
	"github.com/beatsync/server/internal/protocol"
)

// Timing groups the per-session clocks. All four are required.
type Timing struct {
	Heartbeat  time.Duration // heartbeat tick period
	Pong       time.Duration // keepalive Pong cadence
	Idle       time.Duration // kill the session after this much silence
	PopTimeout time.Duration // writer dequeue deadline
}

// DefaultTiming matches a 1s heartbeat with a 5s keepalive and 30s
// idle cutoff.
var DefaultTiming = Timing{
	Heartbeat:  time.Second,
	Pong:       5 * time.Second,
	Idle:       30 * time.Second,
	PopTimeout: 100 * time.Millisecond,
}

const sendQueueCapacity = 512

// Dispatcher processes one decoded client command on behalf of a
// session. A returned error is a protocol violation and kills the
// session.
type Dispatcher interface {
	Dispatch(s *Session, cmd protocol.ClientCommand) error
}

// Session owns one TCP connection. Three pumps run concurrently: the
// reader decodes frames and dispatches them, the writer drains the
// send queue, and the heartbeat enforces the idle cutoff. The pumps
// coordinate only through lastRecv, the queue, and the alive flag.
type Session struct {
	ID        uuid.UUID
	Version   byte
	Addr      string
	CreatedAt time.Time

	conn  net.Conn
	queue *SendQueue
	alive atomic.Bool

	lastRecvMu sync.Mutex
	lastRecv   time.Time

	userMu sync.RWMutex
	user   *User

	timing  Timing
	lost    chan<- uuid.UUID
	metrics *monitoring.Metrics
	logger  zerolog.Logger

	stopOnce sync.Once
	lostOnce sync.Once
	wg       sync.WaitGroup
}

// NewSession wraps an accepted connection whose version byte has
// already been read.
func NewSession(conn net.Conn, version byte, timing Timing, lost chan<- uuid.UUID, metrics *monitoring.Metrics, logger zerolog.Logger) *Session {
	id := uuid.New()
	s := &Session{
		ID:        id,
		Version:   version,
		Addr:      conn.RemoteAddr().String(),
		CreatedAt: time.Now(),
		conn:      conn,
		queue:     NewSendQueue(sendQueueCapacity),
		lastRecv:  time.Now(),
		timing:    timing,
		lost:      lost,
		metrics:   metrics,
		logger: logger.With().
			Str("session_id", id.String()).
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
	}
	s.alive.Store(true)
	return s
}

// Start launches the three pumps.
func (s *Session) Start(d Dispatcher) {
	s.wg.Add(3)
	go s.readPump(d)
	go s.writePump()
	go s.heartbeat()
}

// Alive reports whether the session is still running.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// User returns the bound user, nil before authentication.
func (s *Session) User() *User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user
}

// SetUser binds the authenticated user.
func (s *Session) SetUser(u *User) {
	s.userMu.Lock()
	s.user = u
	s.userMu.Unlock()
}

// Send enqueues one command for the writer pump. Drops are counted but
// otherwise ignored; a session that cannot keep up hits the idle
// cutoff soon after.
func (s *Session) Send(cmd protocol.ServerCommand) {
	s.metrics.SendQueueDepth.Observe(float64(s.queue.Len()))
	if !s.queue.Push(cmd) {
		s.metrics.FramesDropped.WithLabelValues("queue_full").Inc()
	}
}

// Stop tears the session down: closes the queue so the writer drains
// and exits, shuts the read half so the reader unblocks, and flips
// alive so the heartbeat exits on its next tick. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.alive.Store(false)
		s.queue.Close()
		if tc, ok := s.conn.(*net.TCPConn); ok {
			tc.CloseRead()
		} else {
			s.conn.Close()
		}
	})
}

// Wait blocks until all three pumps have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) touchRecv() {
	s.lastRecvMu.Lock()
	s.lastRecv = time.Now()
	s.lastRecvMu.Unlock()
}

// LastRecv returns the time of the last inbound frame.
func (s *Session) LastRecv() time.Time {
	s.lastRecvMu.Lock()
	defer s.lastRecvMu.Unlock()
	return s.lastRecv
}

// signalLost flips alive and hands the session id to the reaper,
// exactly once.
func (s *Session) signalLost(reason string) {
	s.lostOnce.Do(func() {
		s.alive.Store(false)
		s.logger.Debug().Str("reason", reason).Msg("Session lost")
		s.metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
		s.lost <- s.ID
	})
}

func (s *Session) readPump(d Dispatcher) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "read_pump", nil)

	rd := bufio.NewReaderSize(s.conn, 16*1024)
	for s.alive.Load() {
		payload, err := protocol.ReadFrame(rd)
		if err != nil {
			reason := "read_error"
			if errors.Is(err, io.EOF) {
				reason = "peer_closed"
			} else if errors.Is(err, protocol.ErrFrameTooLarge) {
				reason = "protocol_error"
				s.metrics.ProtocolErrors.Inc()
			}
			s.signalLost(reason)
			return
		}
		s.touchRecv()
		s.metrics.BytesReceived.Add(float64(len(payload)))

		cmd, err := protocol.DecodeClientCommand(payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Malformed client command")
			s.metrics.ProtocolErrors.Inc()
			s.signalLost("protocol_error")
			return
		}
		if err := d.Dispatch(s, cmd); err != nil {
			s.logger.Debug().Err(err).Msg("Dispatch rejected command")
			s.metrics.ProtocolErrors.Inc()
			s.signalLost("protocol_error")
			return
		}
	}
}

func (s *Session) writePump() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "write_pump", nil)
	defer s.conn.Close()

	for {
		cmd, ok, closed := s.queue.Pop(s.timing.PopTimeout)
		if closed {
			return
		}
		if !ok {
			continue
		}
		payload := protocol.EncodeServerCommand(cmd)
		s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := protocol.WriteFrame(s.conn, payload); err != nil {
			s.signalLost("write_error")
			return
		}
		s.metrics.BytesSent.Add(float64(len(payload)))
		s.metrics.CommandsSent.WithLabelValues(serverKindName(cmd.ServerKind())).Inc()
	}
}

func (s *Session) heartbeat() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "heartbeat", nil)

	ticker := time.NewTicker(s.timing.Heartbeat)
	defer ticker.Stop()

	lastPong := time.Now()
	for range ticker.C {
		if !s.alive.Load() {
			return
		}
		now := time.Now()
		if now.Sub(lastPong) >= s.timing.Pong {
			s.Send(protocol.Pong{})
			lastPong = now
		}
		if now.Sub(s.LastRecv()) > s.timing.Idle {
			s.metrics.SessionsReaped.Inc()
			s.signalLost("idle_timeout")
			return
		}
	}
}

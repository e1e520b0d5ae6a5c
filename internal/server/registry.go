package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/events"
	"github.com/beatsync/server/internal/monitoring"
	"github.com/beatsync/server/internal/protocol"
)

const lostQueueCapacity = 4096

// Registry owns the server-wide session, user, and room maps, plus the
// lost-connection queue and its reaper. Each map has its own RWMutex;
// when more than one is needed they are taken in the order
// sessions < users < rooms.
type Registry struct {
	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*Session

	usersMu sync.RWMutex
	users   map[int32]*User

	roomsMu sync.RWMutex
	rooms   map[protocol.RoomID]*Room

	lost chan uuid.UUID

	dangleGrace time.Duration
	metrics     *monitoring.Metrics
	sink        events.Sink
	logger      zerolog.Logger

	reaperWG sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(dangleGrace time.Duration, metrics *monitoring.Metrics, sink events.Sink, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[uuid.UUID]*Session),
		users:       make(map[int32]*User),
		rooms:       make(map[protocol.RoomID]*Room),
		lost:        make(chan uuid.UUID, lostQueueCapacity),
		dangleGrace: dangleGrace,
		metrics:     metrics,
		sink:        sink,
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// LostQueue is the channel sessions signal on failure.
func (r *Registry) LostQueue() chan<- uuid.UUID {
	return r.lost
}

// AddSession registers a freshly accepted session.
func (r *Registry) AddSession(s *Session) {
	r.sessionsMu.Lock()
	r.sessions[s.ID] = s
	r.sessionsMu.Unlock()
}

// Session looks up a session by id.
func (r *Registry) Session(id uuid.UUID) *Session {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return r.sessions[id]
}

// SessionCount returns the number of registered sessions.
func (r *Registry) SessionCount() int {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions)
}

// User looks up a user by id.
func (r *Registry) User(id int32) *User {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	return r.users[id]
}

// GetOrAddUser returns the user registered under id, inserting the one
// built by create when none exists. The lookup and insert happen under
// one write lock, so two concurrent authentications for the same
// account always converge on a single User.
func (r *Registry) GetOrAddUser(id int32, create func() *User) (u *User, created bool) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if existing, ok := r.users[id]; ok {
		return existing, false
	}
	u = create()
	r.users[id] = u
	return u, true
}

// Room looks up a room by id.
func (r *Registry) Room(id protocol.RoomID) *Room {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return r.rooms[id]
}

// AddRoom registers room unless its id is already taken.
func (r *Registry) AddRoom(room *Room) bool {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	if _, exists := r.rooms[room.ID]; exists {
		return false
	}
	r.rooms[room.ID] = room
	r.metrics.RoomsActive.Set(float64(len(r.rooms)))
	return true
}

// RemoveRoom drops a destroyed room and publishes its closure.
func (r *Registry) RemoveRoom(id protocol.RoomID) {
	r.roomsMu.Lock()
	delete(r.rooms, id)
	r.metrics.RoomsActive.Set(float64(len(r.rooms)))
	r.roomsMu.Unlock()

	r.sink.Publish(events.Event{
		Subject: events.SubjectRoomClosed,
		Payload: events.RoomEvent{RoomID: string(id), Time: time.Now()},
	})
	r.logger.Info().Str("room_id", string(id)).Msg("Room destroyed")
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return len(r.rooms)
}

// StartReaper launches the single goroutine that drains the
// lost-connection queue. Closing the queue is the shutdown signal.
func (r *Registry) StartReaper() {
	r.reaperWG.Add(1)
	go func() {
		defer r.reaperWG.Done()
		defer monitoring.RecoverPanic(r.logger, "reaper", nil)
		for id := range r.lost {
			r.reap(id)
		}
	}()
}

// StopReaper closes the lost queue and waits for the reaper to finish.
// Sessions must all be stopped first.
func (r *Registry) StopReaper() {
	close(r.lost)
	r.reaperWG.Wait()
}

// reap removes one dead session. Runs on the single reaper goroutine,
// so each session is removed exactly once even if several pumps
// signalled it.
func (r *Registry) reap(id uuid.UUID) {
	r.sessionsMu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.sessionsMu.Unlock()
	if !ok {
		return
	}

	s.Stop()
	r.metrics.ObserveSessionEnd("reaped", time.Since(s.CreatedAt))

	user := s.User()
	if user == nil {
		return
	}
	// Only dangle if the user has not already rebound elsewhere.
	if !user.unbindSession(s) {
		return
	}
	r.dangle(user)
}

// dangle starts a user's grace window. A user whose room is mid-game
// leaves immediately so the game can finish without them; everyone
// else keeps their membership until the window expires.
func (r *Registry) dangle(u *User) {
	r.logger.Info().Int32("user_id", u.ID).Str("name", u.Name).Msg("User dangling")
	r.metrics.DanglingUsers.Inc()
	r.sink.Publish(events.Event{
		Subject: events.SubjectUserDisconnected,
		Payload: events.UserEvent{UserID: u.ID, Name: u.Name, Time: time.Now()},
	})

	if room := u.Room(); room != nil && room.StateKind() == protocol.StatePlaying {
		r.leaveRoom(u, room)
	}

	u.scheduleDangle(r.dangleGrace, func() {
		r.collectUser(u)
	})
}

// collectUser fires when a dangle window expires without a rebind.
func (r *Registry) collectUser(u *User) {
	if u.Session() != nil {
		return
	}
	if room := u.Room(); room != nil {
		r.leaveRoom(u, room)
	}

	r.usersMu.Lock()
	if r.users[u.ID] == u {
		delete(r.users, u.ID)
	}
	r.usersMu.Unlock()
	u.markGone()

	r.metrics.DanglingUsers.Dec()
	r.metrics.UsersReaped.Inc()
	r.logger.Info().Int32("user_id", u.ID).Msg("Dangling user collected")
}

// leaveRoom runs the room departure protocol and destroys the room if
// it emptied.
func (r *Registry) leaveRoom(u *User, room *Room) {
	wasPlaying := room.StateKind() == protocol.StatePlaying
	if room.Leave(u) {
		r.RemoveRoom(room.ID)
	} else if wasPlaying && room.StateKind() == protocol.StateSelectChart {
		r.metrics.GamesFinished.WithLabelValues("completed").Inc()
	}
	r.metrics.RoomOccupants.Dec()
	r.sink.Publish(events.Event{
		Subject: events.SubjectRoomLeft,
		Payload: events.RoomEvent{RoomID: string(room.ID), UserID: u.ID, Time: time.Now()},
	})
}

// Rebind attaches a returning user to a new session, stopping the old
// session if one is still attached. Returns the user's current room
// snapshot requirement for the caller.
func (r *Registry) Rebind(u *User, s *Session) {
	old := u.BindSession(s)
	if old == nil {
		// Was dangling; the grace timer is already cancelled.
		r.metrics.DanglingUsers.Dec()
	} else if old != s {
		old.Stop()
	}
}

// StopAllSessions stops every live session and waits for their pumps
// to exit, so every lost-connection signal lands before the queue is
// closed. Used at shutdown, before StopReaper.
func (r *Registry) StopAllSessions() {
	r.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessionsMu.RUnlock()
	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		s.Wait()
	}
}

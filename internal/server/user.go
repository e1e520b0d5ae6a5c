package server

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beatsync/server/internal/protocol"
)

// User is a logical identity that outlives individual sockets. It
// binds to at most one live session at a time and holds a reference to
// its current room. The registry maps are the real owners: once a user
// is removed there, the gone flag marks every remaining pointer to it
// as expired.
type User struct {
	ID       int32
	Name     string
	Language string

	monitor  atomic.Bool
	gameTime atomic.Uint32 // f32 bit pattern
	gone     atomic.Bool

	sessionMu sync.RWMutex
	session   *Session

	roomMu sync.RWMutex
	room   *Room

	dangleMu    sync.Mutex
	dangleTimer *time.Timer
}

// NewUser creates a user bound to its first session.
func NewUser(id int32, name, language string, s *Session) *User {
	u := &User{ID: id, Name: name, Language: language, session: s}
	u.gameTime.Store(math.Float32bits(float32(math.Inf(-1))))
	return u
}

// Info returns the client-visible description.
func (u *User) Info() protocol.UserInfo {
	return protocol.UserInfo{ID: u.ID, Name: u.Name, Monitor: u.monitor.Load()}
}

// CanMonitor reports whether this user may join rooms as a monitor.
func (u *User) CanMonitor() bool {
	return u.monitor.Load()
}

// SetMonitor grants or revokes the monitor privilege.
func (u *User) SetMonitor(v bool) {
	u.monitor.Store(v)
}

// Expired reports whether the registry has already collected this
// user. Rooms treat expired entries as departed members.
func (u *User) Expired() bool {
	return u.gone.Load()
}

func (u *User) markGone() {
	u.gone.Store(true)
}

// Session returns the currently bound session, nil while dangling.
func (u *User) Session() *Session {
	u.sessionMu.RLock()
	defer u.sessionMu.RUnlock()
	return u.session
}

// BindSession atomically swaps the bound session, returning the
// previous one so the caller can stop it. Cancels any pending dangle.
func (u *User) BindSession(s *Session) *Session {
	u.cancelDangle()
	u.sessionMu.Lock()
	old := u.session
	u.session = s
	u.sessionMu.Unlock()
	return old
}

// unbindSession clears the session pointer only if it still refers to
// s, so a stale reap cannot detach a freshly rebound session.
func (u *User) unbindSession(s *Session) bool {
	u.sessionMu.Lock()
	defer u.sessionMu.Unlock()
	if u.session != s {
		return false
	}
	u.session = nil
	return true
}

// Room returns the user's current room, if any.
func (u *User) Room() *Room {
	u.roomMu.RLock()
	defer u.roomMu.RUnlock()
	return u.room
}

// SetRoom binds or clears the current room.
func (u *User) SetRoom(r *Room) {
	u.roomMu.Lock()
	u.room = r
	u.roomMu.Unlock()
}

// Send enqueues a command onto the user's live session, silently
// dropping it while the user dangles.
func (u *User) Send(cmd protocol.ServerCommand) {
	if s := u.Session(); s != nil {
		s.Send(cmd)
	}
}

// GameTime returns the last reported in-game timestamp.
func (u *User) GameTime() float32 {
	return math.Float32frombits(u.gameTime.Load())
}

// SetGameTime records an in-game timestamp.
func (u *User) SetGameTime(t float32) {
	u.gameTime.Store(math.Float32bits(t))
}

// ResetGameTime rewinds the timestamp to negative infinity at game
// start.
func (u *User) ResetGameTime() {
	u.gameTime.Store(math.Float32bits(float32(math.Inf(-1))))
}

// scheduleDangle arms the grace timer; fire runs once if no session
// rebinds within d.
func (u *User) scheduleDangle(d time.Duration, fire func()) {
	u.dangleMu.Lock()
	defer u.dangleMu.Unlock()
	if u.dangleTimer != nil {
		u.dangleTimer.Stop()
	}
	u.dangleTimer = time.AfterFunc(d, fire)
}

func (u *User) cancelDangle() {
	u.dangleMu.Lock()
	defer u.dangleMu.Unlock()
	if u.dangleTimer != nil {
		u.dangleTimer.Stop()
		u.dangleTimer = nil
	}
}

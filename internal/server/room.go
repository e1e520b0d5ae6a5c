package server

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/beatsync/server/internal/protocol"
)

// roomState is the internal state machine payload. started, results,
// and aborted are only populated in the state that owns them.
type roomState struct {
	kind    protocol.RoomStateKind
	started map[int32]struct{}          // WaitForReady
	results map[int32]protocol.Record   // Playing
	aborted map[int32]struct{}          // Playing
}

// Room pairs a host with members and monitor observers and drives the
// SelectChart -> WaitForReady -> Playing -> SelectChart cycle.
//
// Lock order within a room is host < state < users < monitors < chart;
// the atomics stay outside it. Member and monitor slices may contain
// expired users between compactions; every reader skips them.
type Room struct {
	ID protocol.RoomID

	hostMu sync.RWMutex
	host   *User

	stateMu sync.RWMutex
	state   roomState

	usersMu sync.RWMutex
	users   []*User

	monitorsMu sync.RWMutex
	monitors   []*User

	chartMu sync.RWMutex
	chart   *protocol.Chart

	live   atomic.Bool
	locked atomic.Bool
	cycle  atomic.Bool

	// onHostChange, when set, observes every host transfer after the
	// room's creation.
	onHostChange func(next *User)
}

// NewRoom creates a room hosted by creator, who becomes its first
// member.
func NewRoom(id protocol.RoomID, creator *User) *Room {
	return &Room{
		ID:    id,
		host:  creator,
		users: []*User{creator},
		state: roomState{kind: protocol.StateSelectChart},
	}
}

// Host returns the current host, nil if it has expired.
func (r *Room) Host() *User {
	r.hostMu.RLock()
	defer r.hostMu.RUnlock()
	if r.host != nil && r.host.Expired() {
		return nil
	}
	return r.host
}

// IsHost reports whether u currently holds host.
func (r *Room) IsHost(u *User) bool {
	return r.Host() == u
}

func (r *Room) setHost(u *User) {
	r.hostMu.Lock()
	r.host = u
	r.hostMu.Unlock()
}

// Members returns a snapshot of live members.
func (r *Room) Members() []*User {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		if !u.Expired() {
			out = append(out, u)
		}
	}
	return out
}

// Monitors returns a snapshot of live monitors.
func (r *Room) Monitors() []*User {
	r.monitorsMu.RLock()
	defer r.monitorsMu.RUnlock()
	out := make([]*User, 0, len(r.monitors))
	for _, u := range r.monitors {
		if !u.Expired() {
			out = append(out, u)
		}
	}
	return out
}

// AddMember appends u to the member list, compacting expired entries
// first. Fails once RoomMaxUsers live members exist.
func (r *Room) AddMember(u *User) bool {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	compacted := r.users[:0]
	for _, m := range r.users {
		if !m.Expired() {
			compacted = append(compacted, m)
		}
	}
	r.users = compacted
	if len(r.users) >= protocol.RoomMaxUsers {
		return false
	}
	r.users = append(r.users, u)
	return true
}

// AddMonitor appends u to the monitor list. Monitors are uncapped.
func (r *Room) AddMonitor(u *User) {
	r.monitorsMu.Lock()
	r.monitors = append(r.monitors, u)
	r.monitorsMu.Unlock()
}

// Broadcast enqueues cmd to every live member and monitor.
func (r *Room) Broadcast(cmd protocol.ServerCommand) {
	for _, u := range r.Members() {
		u.Send(cmd)
	}
	for _, u := range r.Monitors() {
		u.Send(cmd)
	}
}

// BroadcastMonitors enqueues cmd to monitors only.
func (r *Room) BroadcastMonitors(cmd protocol.ServerCommand) {
	for _, u := range r.Monitors() {
		u.Send(cmd)
	}
}

func (r *Room) send(m protocol.Message) {
	r.Broadcast(protocol.ServerMessage{Message: m})
}

// StateKind returns the current state discriminant.
func (r *Room) StateKind() protocol.RoomStateKind {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.kind
}

// Chart returns the currently selected chart, nil before selection.
func (r *Room) Chart() *protocol.Chart {
	r.chartMu.RLock()
	defer r.chartMu.RUnlock()
	return r.chart
}

// SetChart stores the selection made by the host.
func (r *Room) SetChart(c protocol.Chart) {
	r.chartMu.Lock()
	r.chart = &c
	r.chartMu.Unlock()
}

// ClientState builds the client-facing view of the room state. Only
// SelectChart exposes the chart id.
func (r *Room) ClientState() protocol.RoomState {
	kind := r.StateKind()
	if kind != protocol.StateSelectChart {
		return protocol.RoomState{Kind: kind}
	}
	var chartID *int32
	if c := r.Chart(); c != nil {
		id := c.ID
		chartID = &id
	}
	return protocol.SelectChartState(chartID)
}

// Snapshot builds the full room view delivered to forUser on
// (re)authentication.
func (r *Room) Snapshot(forUser *User) protocol.ClientRoomState {
	users := make(map[int32]protocol.UserInfo)
	for _, u := range r.Members() {
		users[u.ID] = u.Info()
	}
	for _, u := range r.Monitors() {
		users[u.ID] = u.Info()
	}

	isReady := false
	r.stateMu.RLock()
	if r.state.kind == protocol.StateWaitForReady {
		_, isReady = r.state.started[forUser.ID]
	}
	r.stateMu.RUnlock()

	return protocol.ClientRoomState{
		ID:      r.ID,
		State:   r.ClientState(),
		Live:    r.live.Load(),
		Locked:  r.locked.Load(),
		Cycle:   r.cycle.Load(),
		IsHost:  r.IsHost(forUser),
		IsReady: isReady,
		Users:   users,
	}
}

// JoinView builds the payload of a successful join reply.
func (r *Room) JoinView() protocol.JoinRoomResponse {
	members := r.Members()
	infos := make([]protocol.UserInfo, 0, len(members))
	for _, u := range members {
		infos = append(infos, u.Info())
	}
	return protocol.JoinRoomResponse{
		State: r.ClientState(),
		Users: infos,
		Live:  r.live.Load(),
	}
}

// BeginWaitForReady moves SelectChart -> WaitForReady with an empty
// ready set. Fails when not in SelectChart.
func (r *Room) BeginWaitForReady() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.kind != protocol.StateSelectChart {
		return false
	}
	r.state = roomState{
		kind:    protocol.StateWaitForReady,
		started: make(map[int32]struct{}),
	}
	return true
}

// MarkReady records u's readiness. The second return distinguishes a
// wrong-state failure from a duplicate Ready.
func (r *Room) MarkReady(u *User) (ok, wrongState bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.kind != protocol.StateWaitForReady {
		return false, true
	}
	if _, dup := r.state.started[u.ID]; dup {
		return false, false
	}
	r.state.started[u.ID] = struct{}{}
	return true, false
}

// UnmarkReady removes u from the ready set.
func (r *Room) UnmarkReady(u *User) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.kind != protocol.StateWaitForReady {
		return false
	}
	delete(r.state.started, u.ID)
	return true
}

// CancelGame abandons WaitForReady and returns to SelectChart, used
// when the host backs out.
func (r *Room) CancelGame() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.kind != protocol.StateWaitForReady {
		return false
	}
	r.state = roomState{kind: protocol.StateSelectChart}
	return true
}

// AddResult records u's play record. The second return distinguishes
// wrong state from a duplicate result.
func (r *Room) AddResult(u *User, rec protocol.Record) (ok, wrongState bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.kind != protocol.StatePlaying {
		return false, true
	}
	if _, dup := r.state.results[u.ID]; dup {
		return false, false
	}
	if _, aborted := r.state.aborted[u.ID]; aborted {
		return false, false
	}
	r.state.results[u.ID] = rec
	return true, false
}

// MarkAborted records that u gave up the current game.
func (r *Room) MarkAborted(u *User) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.kind != protocol.StatePlaying {
		return false
	}
	delete(r.state.results, u.ID)
	r.state.aborted[u.ID] = struct{}{}
	return true
}

// Results returns a copy of the collected records.
func (r *Room) Results() map[int32]protocol.Record {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	out := make(map[int32]protocol.Record, len(r.state.results))
	for id, rec := range r.state.results {
		out[id] = rec
	}
	return out
}

// TryStartPlaying fires the WaitForReady -> Playing transition once
// every live member and monitor has signalled Ready. Broadcasts
// StartPlaying before the state change, per the message-before-state
// rule.
func (r *Room) TryStartPlaying() bool {
	r.stateMu.Lock()
	if r.state.kind != protocol.StateWaitForReady {
		r.stateMu.Unlock()
		return false
	}
	members := r.Members()
	monitors := r.Monitors()
	for _, u := range members {
		if _, ok := r.state.started[u.ID]; !ok {
			r.stateMu.Unlock()
			return false
		}
	}
	for _, u := range monitors {
		if _, ok := r.state.started[u.ID]; !ok {
			r.stateMu.Unlock()
			return false
		}
	}

	r.send(protocol.MsgStartPlaying{})
	for _, u := range members {
		u.ResetGameTime()
	}
	r.state = roomState{
		kind:    protocol.StatePlaying,
		results: make(map[int32]protocol.Record),
		aborted: make(map[int32]struct{}),
	}
	r.stateMu.Unlock()

	r.Broadcast(protocol.ChangeState{State: protocol.RoomState{Kind: protocol.StatePlaying}})
	return true
}

// TryFinishGame fires the Playing -> SelectChart transition once every
// live member has a result or aborted. In cycle mode the host role
// rotates to the next member before the state broadcast.
func (r *Room) TryFinishGame() bool {
	r.stateMu.Lock()
	if r.state.kind != protocol.StatePlaying {
		r.stateMu.Unlock()
		return false
	}
	members := r.Members()
	if len(members) == 0 {
		r.stateMu.Unlock()
		return false
	}
	for _, u := range members {
		if _, played := r.state.results[u.ID]; played {
			continue
		}
		if _, aborted := r.state.aborted[u.ID]; aborted {
			continue
		}
		r.stateMu.Unlock()
		return false
	}

	r.send(protocol.MsgGameEnd{})
	r.state = roomState{kind: protocol.StateSelectChart}
	r.stateMu.Unlock()

	if r.cycle.Load() {
		r.rotateHost()
	}
	r.Broadcast(protocol.ChangeState{State: r.ClientState()})
	return true
}

// rotateHost advances host to the next member in list order.
func (r *Room) rotateHost() {
	old := r.Host()
	members := r.Members()
	if len(members) == 0 {
		return
	}
	idx := 0
	for i, u := range members {
		if u == old {
			idx = (i + 1) % len(members)
			break
		}
	}
	next := members[idx]
	if next == old {
		return
	}
	r.setHost(next)
	r.send(protocol.MsgNewHost{User: next.ID})
	if old != nil {
		old.Send(protocol.ChangeHost{IsHost: false})
	}
	next.Send(protocol.ChangeHost{IsHost: true})
	if r.onHostChange != nil {
		r.onHostChange(next)
	}
}

// Leave runs the departure protocol for u: broadcast the leave, drop
// the membership, transfer host if needed, and re-evaluate pending
// transitions. Returns true when no members remain and the room must
// be destroyed.
func (r *Room) Leave(u *User) (destroyed bool) {
	r.send(protocol.MsgLeaveRoom{User: u.ID, Name: u.Name})

	wasMember := r.removeMember(u)
	if !wasMember {
		r.removeMonitor(u)
	}
	u.SetRoom(nil)

	members := r.Members()
	if len(members) == 0 {
		return true
	}

	if wasMember && r.Host() == u {
		next := members[rand.Intn(len(members))]
		r.setHost(next)
		r.send(protocol.MsgNewHost{User: next.ID})
		next.Send(protocol.ChangeHost{IsHost: true})
		if r.onHostChange != nil {
			r.onHostChange(next)
		}
	}

	// The departure may have been the last missing Ready or result.
	r.TryStartPlaying()
	r.TryFinishGame()
	return false
}

func (r *Room) removeMember(u *User) bool {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	kept := r.users[:0]
	found := false
	for _, m := range r.users {
		if m == u {
			found = true
			continue
		}
		if m.Expired() {
			continue
		}
		kept = append(kept, m)
	}
	r.users = kept
	return found
}

func (r *Room) removeMonitor(u *User) bool {
	r.monitorsMu.Lock()
	defer r.monitorsMu.Unlock()
	kept := r.monitors[:0]
	found := false
	for _, m := range r.monitors {
		if m == u {
			found = true
			continue
		}
		if m.Expired() {
			continue
		}
		kept = append(kept, m)
	}
	r.monitors = kept
	return found
}

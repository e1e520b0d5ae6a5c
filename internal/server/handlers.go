package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/events"
	"github.com/beatsync/server/internal/lookup"
	"github.com/beatsync/server/internal/monitoring"
	"github.com/beatsync/server/internal/protocol"
)

// Error slugs carried in failed acks. Kept short and stable; clients
// localise them.
const (
	errNotHost          = "not-host"
	errLocked           = "locked"
	errRoomFull         = "room-full"
	errNotInRoom        = "not-in-room"
	errBanned           = "banned"
	errBadChart         = "bad-chart"
	errBadRecord        = "bad-record"
	errBadState         = "bad-state"
	errRoomExists       = "room-exists"
	errInRoom           = "in-room"
	errNoSuchRoom       = "no-such-room"
	errCreationDisabled = "creation-disabled"
	errNotMonitor       = "not-monitor"
	errAlreadyReady     = "already-ready"
	errAlreadyPlayed    = "already-played"
)

const lookupTimeout = 10 * time.Second

// ProcessorConfig wires the command processor's collaborators.
type ProcessorConfig struct {
	Registry *Registry
	Auth     lookup.Authenticator
	Charts   lookup.ChartLookup
	Records  lookup.RecordLookup
	Bans     lookup.BanSet
	RoomBans lookup.RoomBanSet
	Filter   lookup.CommandFilter
	Sink     events.Sink
	Metrics  *monitoring.Metrics
	Logger   zerolog.Logger

	RoomCreationEnabled bool
	Monitors            []int32
}

// Processor executes client commands against the registry. One
// instance serves every session; all state lives in the registry and
// the rooms.
//
// Every successful command acks to the issuing session before any
// broadcast it triggers, so the issuer always observes its own ack
// first.
type Processor struct {
	registry *Registry
	auth     lookup.Authenticator
	charts   lookup.ChartLookup
	records  lookup.RecordLookup
	bans     lookup.BanSet
	roomBans lookup.RoomBanSet
	filter   lookup.CommandFilter
	sink     events.Sink
	metrics  *monitoring.Metrics
	logger   zerolog.Logger

	roomCreation bool
	monitors     map[int32]bool
}

// NewProcessor builds a processor from its collaborators.
func NewProcessor(cfg ProcessorConfig) *Processor {
	monitors := make(map[int32]bool, len(cfg.Monitors))
	for _, id := range cfg.Monitors {
		monitors[id] = true
	}
	filter := cfg.Filter
	if filter == nil {
		filter = lookup.NopFilter{}
	}
	return &Processor{
		registry:     cfg.Registry,
		auth:         cfg.Auth,
		charts:       cfg.Charts,
		records:      cfg.Records,
		bans:         cfg.Bans,
		roomBans:     cfg.RoomBans,
		filter:       filter,
		sink:         cfg.Sink,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "processor").Logger(),
		roomCreation: cfg.RoomCreationEnabled,
		monitors:     monitors,
	}
}

// Dispatch routes one decoded command. A returned error is a protocol
// violation that kills the session.
func (p *Processor) Dispatch(s *Session, cmd protocol.ClientCommand) error {
	p.metrics.CommandsReceived.WithLabelValues(clientKindName(cmd.ClientKind())).Inc()

	user := s.User()
	if user == nil {
		auth, ok := cmd.(protocol.Authenticate)
		if !ok {
			return fmt.Errorf("command %d before authentication", cmd.ClientKind())
		}
		p.authenticate(s, auth.Token)
		return nil
	}

	filtered, keep := p.filter.Filter(user.ID, cmd)
	if !keep {
		filtered = protocol.Ping{}
	}

	switch c := filtered.(type) {
	case protocol.Ping:
		s.Send(protocol.Pong{})
	case protocol.Authenticate:
		// Re-authentication on a bound session is a no-op ok.
		resp := protocol.AuthResponse{OK: true, User: user.Info()}
		if room := user.Room(); room != nil {
			snap := room.Snapshot(user)
			resp.Room = &snap
		}
		s.Send(resp)
	case protocol.Chat:
		p.handleChat(s, user, c)
	case protocol.Touches:
		p.handleTouches(user, c)
	case protocol.Judges:
		p.handleJudges(user, c)
	case protocol.CreateRoom:
		p.handleCreateRoom(s, user, c)
	case protocol.JoinRoom:
		p.handleJoinRoom(s, user, c)
	case protocol.LeaveRoom:
		p.handleLeaveRoom(s, user)
	case protocol.LockRoom:
		p.handleLockRoom(s, user, c)
	case protocol.CycleRoom:
		p.handleCycleRoom(s, user, c)
	case protocol.SelectChart:
		p.handleSelectChart(s, user, c)
	case protocol.RequestStart:
		p.handleRequestStart(s, user)
	case protocol.Ready:
		p.handleReady(s, user)
	case protocol.CancelReady:
		p.handleCancelReady(s, user)
	case protocol.Played:
		p.handlePlayed(s, user, c)
	case protocol.Abort:
		p.handleAbort(s, user)
	default:
		return fmt.Errorf("unhandled command kind %d", filtered.ClientKind())
	}
	return nil
}

func (p *Processor) ack(s *Session, kind protocol.ServerKind) {
	s.Send(protocol.OK(kind))
}

func (p *Processor) nack(s *Session, kind protocol.ServerKind, slug string) {
	s.Send(protocol.Fail(kind, slug))
}

// authenticate resolves the token, binds or creates the user, and
// replies. A rejected token or a banned user still gets a reply; the
// session then stops, the writer draining the reply first.
func (p *Processor) authenticate(s *Session, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	start := time.Now()
	ident, err := p.auth.Auth(ctx, token)
	p.metrics.AuthDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		p.logger.Debug().Err(err).Str("session_id", s.ID.String()).Msg("Authentication rejected")
		s.Send(protocol.AuthResponse{Error: err.Error()})
		s.Stop()
		return
	}

	user, created := p.registry.GetOrAddUser(ident.ID, func() *User {
		u := NewUser(ident.ID, ident.Name, ident.Language, s)
		u.SetMonitor(p.monitors[ident.ID])
		return u
	})
	if !created {
		p.registry.Rebind(user, s)
	}
	s.SetUser(user)

	if p.bans.IsBanned(user.ID) {
		p.metrics.AuthAttempts.WithLabelValues("banned").Inc()
		s.Send(protocol.AuthResponse{Error: errBanned})
		s.Stop()
		return
	}

	resp := protocol.AuthResponse{OK: true, User: user.Info()}
	if room := user.Room(); room != nil {
		snap := room.Snapshot(user)
		resp.Room = &snap
	}
	s.Send(resp)

	p.metrics.AuthAttempts.WithLabelValues("ok").Inc()
	p.sink.Publish(events.Event{
		Subject: events.SubjectUserAuthenticated,
		Payload: events.UserEvent{UserID: user.ID, Name: user.Name, Time: time.Now()},
	})
	p.logger.Info().
		Int32("user_id", user.ID).
		Str("name", user.Name).
		Str("session_id", s.ID.String()).
		Msg("User authenticated")
}

func (p *Processor) handleChat(s *Session, user *User, c protocol.Chat) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvChat, errNotInRoom)
		return
	}
	p.ack(s, protocol.SvChat)
	room.send(protocol.MsgChat{User: user.ID, Content: c.Message})
}

func (p *Processor) handleTouches(user *User, c protocol.Touches) {
	room := user.Room()
	if room == nil || room.StateKind() != protocol.StatePlaying {
		return // never acked; silently dropped outside Playing
	}
	for _, f := range c.Frames {
		if f.Time > user.GameTime() {
			user.SetGameTime(f.Time)
		}
	}
	room.BroadcastMonitors(protocol.TouchesBroadcast{Player: user.ID, Frames: c.Frames})
}

func (p *Processor) handleJudges(user *User, c protocol.Judges) {
	room := user.Room()
	if room == nil || room.StateKind() != protocol.StatePlaying {
		return
	}
	room.BroadcastMonitors(protocol.JudgesBroadcast{Player: user.ID, Events: c.Events})
}

func (p *Processor) handleCreateRoom(s *Session, user *User, c protocol.CreateRoom) {
	if !p.roomCreation {
		p.nack(s, protocol.SvCreateRoom, errCreationDisabled)
		return
	}
	if user.Room() != nil {
		p.nack(s, protocol.SvCreateRoom, errInRoom)
		return
	}
	room := NewRoom(c.ID, user)
	room.onHostChange = func(next *User) {
		p.sink.Publish(events.Event{
			Subject: events.SubjectHostChanged,
			Payload: events.RoomEvent{RoomID: string(room.ID), UserID: next.ID, Time: time.Now()},
		})
	}
	if !p.registry.AddRoom(room) {
		p.nack(s, protocol.SvCreateRoom, errRoomExists)
		return
	}
	user.SetRoom(room)
	p.metrics.RoomOccupants.Inc()

	p.ack(s, protocol.SvCreateRoom)
	room.send(protocol.MsgCreateRoom{User: user.ID})

	p.sink.Publish(events.Event{
		Subject: events.SubjectRoomCreated,
		Payload: events.RoomEvent{RoomID: string(room.ID), UserID: user.ID, Time: time.Now()},
	})
	p.logger.Info().Str("room_id", string(room.ID)).Int32("host", user.ID).Msg("Room created")
}

func (p *Processor) handleJoinRoom(s *Session, user *User, c protocol.JoinRoom) {
	fail := func(slug string) {
		s.Send(protocol.JoinResponse{Error: slug})
	}
	room := p.registry.Room(c.ID)
	if room == nil {
		fail(errNoSuchRoom)
		return
	}
	if user.Room() != nil {
		fail(errInRoom)
		return
	}
	if c.Monitor && !user.CanMonitor() {
		fail(errNotMonitor)
		return
	}
	// Ban checks resolve before capacity: global, then per-room.
	if p.bans.IsBanned(user.ID) {
		fail(errBanned)
		return
	}
	if p.roomBans.IsBanned(user.ID, room.ID) {
		fail(errBanned)
		return
	}

	if c.Monitor {
		room.AddMonitor(user)
		room.live.Store(true)
	} else {
		if room.locked.Load() {
			fail(errLocked)
			return
		}
		if room.StateKind() != protocol.StateSelectChart {
			fail(errBadState)
			return
		}
		if !room.AddMember(user) {
			fail(errRoomFull)
			return
		}
	}
	user.SetRoom(room)
	p.metrics.RoomOccupants.Inc()

	s.Send(protocol.JoinResponse{OK: true, Resp: room.JoinView()})
	room.Broadcast(protocol.OnJoinRoom{User: user.Info()})
	room.send(protocol.MsgJoinRoom{User: user.ID, Name: user.Name})

	p.sink.Publish(events.Event{
		Subject: events.SubjectRoomJoined,
		Payload: events.RoomEvent{RoomID: string(room.ID), UserID: user.ID, Time: time.Now()},
	})
}

func (p *Processor) handleLeaveRoom(s *Session, user *User) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvLeaveRoom, errNotInRoom)
		return
	}
	p.ack(s, protocol.SvLeaveRoom)
	p.registry.leaveRoom(user, room)
}

func (p *Processor) handleLockRoom(s *Session, user *User, c protocol.LockRoom) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvLockRoom, errNotInRoom)
		return
	}
	if !room.IsHost(user) {
		p.nack(s, protocol.SvLockRoom, errNotHost)
		return
	}
	room.locked.Store(c.Lock)
	p.ack(s, protocol.SvLockRoom)
	room.send(protocol.MsgLockRoom{Lock: c.Lock})
}

func (p *Processor) handleCycleRoom(s *Session, user *User, c protocol.CycleRoom) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvCycleRoom, errNotInRoom)
		return
	}
	if !room.IsHost(user) {
		p.nack(s, protocol.SvCycleRoom, errNotHost)
		return
	}
	room.cycle.Store(c.Cycle)
	p.ack(s, protocol.SvCycleRoom)
	room.send(protocol.MsgCycleRoom{Cycle: c.Cycle})
}

func (p *Processor) handleSelectChart(s *Session, user *User, c protocol.SelectChart) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvSelectChart, errNotInRoom)
		return
	}
	if !room.IsHost(user) {
		p.nack(s, protocol.SvSelectChart, errNotHost)
		return
	}
	if room.StateKind() != protocol.StateSelectChart {
		p.nack(s, protocol.SvSelectChart, errBadState)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	chart, err := p.charts.Chart(ctx, c.Chart)
	if err != nil {
		p.logger.Debug().Err(err).Int32("chart", c.Chart).Msg("Chart lookup failed")
		p.nack(s, protocol.SvSelectChart, err.Error())
		return
	}
	room.SetChart(chart)

	p.ack(s, protocol.SvSelectChart)
	room.send(protocol.MsgSelectChart{User: user.ID, Name: chart.Name, Chart: chart.ID})
	room.Broadcast(protocol.ChangeState{State: room.ClientState()})
}

func (p *Processor) handleRequestStart(s *Session, user *User) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvRequestStart, errNotInRoom)
		return
	}
	if !room.IsHost(user) {
		p.nack(s, protocol.SvRequestStart, errNotHost)
		return
	}
	if room.Chart() == nil {
		p.nack(s, protocol.SvRequestStart, errBadChart)
		return
	}
	if !room.BeginWaitForReady() {
		p.nack(s, protocol.SvRequestStart, errBadState)
		return
	}
	p.ack(s, protocol.SvRequestStart)
	room.send(protocol.MsgGameStart{User: user.ID})
	room.Broadcast(protocol.ChangeState{State: protocol.RoomState{Kind: protocol.StateWaitForReady}})
}

func (p *Processor) handleReady(s *Session, user *User) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvReady, errNotInRoom)
		return
	}
	ok, wrongState := room.MarkReady(user)
	if wrongState {
		p.nack(s, protocol.SvReady, errBadState)
		return
	}
	if !ok {
		p.nack(s, protocol.SvReady, errAlreadyReady)
		return
	}
	p.ack(s, protocol.SvReady)
	room.send(protocol.MsgReady{User: user.ID})
	if room.TryStartPlaying() {
		p.onGameStarted(room)
	}
}

// handleCancelReady withdraws one member's Ready; from the host it
// cancels the pending game entirely.
func (p *Processor) handleCancelReady(s *Session, user *User) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvCancelReady, errNotInRoom)
		return
	}
	if room.IsHost(user) {
		if !room.CancelGame() {
			p.nack(s, protocol.SvCancelReady, errBadState)
			return
		}
		p.ack(s, protocol.SvCancelReady)
		room.send(protocol.MsgCancelGame{User: user.ID})
		room.Broadcast(protocol.ChangeState{State: room.ClientState()})
		return
	}
	if !room.UnmarkReady(user) {
		p.nack(s, protocol.SvCancelReady, errBadState)
		return
	}
	p.ack(s, protocol.SvCancelReady)
	room.send(protocol.MsgCancelReady{User: user.ID})
}

func (p *Processor) handlePlayed(s *Session, user *User, c protocol.Played) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvPlayed, errNotInRoom)
		return
	}
	if room.StateKind() != protocol.StatePlaying {
		p.nack(s, protocol.SvPlayed, errBadState)
		return
	}
	chart := room.Chart()
	if chart == nil || chart.ID != c.Chart {
		p.nack(s, protocol.SvPlayed, errBadChart)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	record, err := p.records.Record(ctx, c.Chart, user.ID)
	if err != nil {
		p.logger.Debug().Err(err).Int32("chart", c.Chart).Int32("user_id", user.ID).Msg("Record lookup failed")
		p.nack(s, protocol.SvPlayed, err.Error())
		return
	}
	if record.Player != user.ID || record.Chart != c.Chart {
		p.nack(s, protocol.SvPlayed, errBadRecord)
		return
	}

	ok, wrongState := room.AddResult(user, record)
	if wrongState {
		p.nack(s, protocol.SvPlayed, errBadState)
		return
	}
	if !ok {
		p.nack(s, protocol.SvPlayed, errAlreadyPlayed)
		return
	}
	p.ack(s, protocol.SvPlayed)
	room.send(protocol.MsgPlayed{
		User:      user.ID,
		Score:     record.Score,
		Accuracy:  record.Accuracy,
		FullCombo: record.FullCombo,
	})

	p.sink.Publish(events.Event{
		Subject: events.SubjectPlayerResult,
		Payload: events.ResultEvent{
			RoomID:    string(room.ID),
			UserID:    user.ID,
			ChartID:   c.Chart,
			Score:     record.Score,
			Accuracy:  record.Accuracy,
			FullCombo: record.FullCombo,
			Time:      time.Now(),
		},
	})
	if room.TryFinishGame() {
		p.onGameFinished(room, "completed")
	}
}

func (p *Processor) handleAbort(s *Session, user *User) {
	room := user.Room()
	if room == nil {
		p.nack(s, protocol.SvAbort, errNotInRoom)
		return
	}
	if !room.MarkAborted(user) {
		p.nack(s, protocol.SvAbort, errBadState)
		return
	}
	p.ack(s, protocol.SvAbort)
	room.send(protocol.MsgAbort{User: user.ID})
	if room.TryFinishGame() {
		p.onGameFinished(room, "completed")
	}
}

func (p *Processor) onGameStarted(room *Room) {
	p.metrics.GamesStarted.Inc()
	members := room.Members()
	players := make([]int32, 0, len(members))
	for _, u := range members {
		players = append(players, u.ID)
	}
	var chartID int32
	if c := room.Chart(); c != nil {
		chartID = c.ID
	}
	p.sink.Publish(events.Event{
		Subject: events.SubjectGameStarted,
		Payload: events.GameEvent{RoomID: string(room.ID), ChartID: chartID, Players: players, Time: time.Now()},
	})
	p.logger.Info().Str("room_id", string(room.ID)).Int("players", len(players)).Msg("Game started")
}

func (p *Processor) onGameFinished(room *Room, outcome string) {
	p.metrics.GamesFinished.WithLabelValues(outcome).Inc()
	var chartID int32
	if c := room.Chart(); c != nil {
		chartID = c.ID
	}
	p.sink.Publish(events.Event{
		Subject: events.SubjectGameFinished,
		Payload: events.GameEvent{RoomID: string(room.ID), ChartID: chartID, Outcome: outcome, Time: time.Now()},
	})
	p.logger.Info().Str("room_id", string(room.ID)).Str("outcome", outcome).Msg("Game finished")
}

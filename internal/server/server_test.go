package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/config"
	"github.com/beatsync/server/internal/lookup"
	"github.com/beatsync/server/internal/monitoring"
	"github.com/beatsync/server/internal/protocol"
)

// Fake collaborators backed by fixed tables.

type fakeAuth map[string]lookup.Identity

func (f fakeAuth) Auth(_ context.Context, token string) (lookup.Identity, error) {
	ident, ok := f[token]
	if !ok {
		return lookup.Identity{}, fmt.Errorf("unknown token")
	}
	return ident, nil
}

type fakeCharts map[int32]string

func (f fakeCharts) Chart(_ context.Context, id int32) (protocol.Chart, error) {
	name, ok := f[id]
	if !ok {
		return protocol.Chart{}, fmt.Errorf("no such chart")
	}
	return protocol.Chart{ID: id, Name: name}, nil
}

type fakeRecords struct{}

func (fakeRecords) Record(_ context.Context, chartID, userID int32) (protocol.Record, error) {
	return protocol.Record{
		Player:   userID,
		Chart:    chartID,
		Score:    1000000 - userID,
		Accuracy: 0.99,
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Addr:                "127.0.0.1:0",
		MetricsAddr:         "127.0.0.1:0",
		MaxConnections:      64,
		AcceptRate:          1000,
		AcceptBurst:         1000,
		PerIPRate:           1000,
		PerIPBurst:          1000,
		HeartbeatInterval:   100 * time.Millisecond,
		PongInterval:        5 * time.Second,
		IdleTimeout:         30 * time.Second,
		DangleTimeout:       time.Minute,
		RoomCreationEnabled: true,
		MetricsInterval:     time.Hour,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := zerolog.Nop()
	srv, err := New(cfg, Collaborators{
		Auth: fakeAuth{
			"t1": {ID: 1, Name: "A"},
			"t2": {ID: 2, Name: "B"},
			"t3": {ID: 3, Name: "M"},
			"t7": {ID: 7, Name: "G"},
			"t9": {ID: 9, Name: "banned-user"},
		},
		Charts:   fakeCharts{42: "Song"},
		Records:  fakeRecords{},
		Bans:     lookup.NewMemoryBanSet(9),
		RoomBans: lookup.NewMemoryRoomBanSet(),
	}, monitoring.NewMetrics(), logger)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte{1}); err != nil { // protocol version
		t.Fatal(err)
	}
	c := &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(cmd protocol.ClientCommand) {
	c.t.Helper()
	if err := protocol.WriteFrame(c.conn, protocol.EncodeClientCommand(cmd)); err != nil {
		c.t.Fatalf("send %T: %v", cmd, err)
	}
}

// next returns the next server command, skipping keepalive Pongs.
func (c *testClient) next() protocol.ServerCommand {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		payload, err := protocol.ReadFrame(c.rd)
		if err != nil {
			c.t.Fatalf("recv: %v", err)
		}
		cmd, err := protocol.DecodeServerCommand(payload)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if _, isPong := cmd.(protocol.Pong); isPong {
			continue
		}
		return cmd
	}
}

func (c *testClient) expectAck(kind protocol.ServerKind) {
	c.t.Helper()
	cmd := c.next()
	ack, ok := cmd.(protocol.Ack)
	if !ok {
		c.t.Fatalf("got %#v, want Ack kind %d", cmd, kind)
	}
	if ack.Kind != kind || !ack.OK {
		c.t.Fatalf("got ack %+v, want ok ack kind %d", ack, kind)
	}
}

func (c *testClient) expectNack(kind protocol.ServerKind, slug string) {
	c.t.Helper()
	cmd := c.next()
	ack, ok := cmd.(protocol.Ack)
	if !ok {
		c.t.Fatalf("got %#v, want failed Ack kind %d", cmd, kind)
	}
	if ack.Kind != kind || ack.OK || ack.Error != slug {
		c.t.Fatalf("got ack %+v, want kind %d error %q", ack, kind, slug)
	}
}

func (c *testClient) expectMessage() protocol.Message {
	c.t.Helper()
	cmd := c.next()
	sm, ok := cmd.(protocol.ServerMessage)
	if !ok {
		c.t.Fatalf("got %#v, want ServerMessage", cmd)
	}
	return sm.Message
}

func (c *testClient) expectState(kind protocol.RoomStateKind) protocol.ChangeState {
	c.t.Helper()
	cmd := c.next()
	cs, ok := cmd.(protocol.ChangeState)
	if !ok {
		c.t.Fatalf("got %#v, want ChangeState", cmd)
	}
	if cs.State.Kind != kind {
		c.t.Fatalf("state = %d, want %d", cs.State.Kind, kind)
	}
	return cs
}

// waitFor reads until pred accepts a command, discarding everything
// else. Used where interleaved broadcasts make exact ordering
// irrelevant to the assertion.
func (c *testClient) waitFor(pred func(protocol.ServerCommand) bool) protocol.ServerCommand {
	c.t.Helper()
	for i := 0; i < 64; i++ {
		cmd := c.next()
		if pred(cmd) {
			return cmd
		}
	}
	c.t.Fatal("no matching command within 64 frames")
	return nil
}

func (c *testClient) waitAck(kind protocol.ServerKind) {
	c.t.Helper()
	cmd := c.waitFor(func(cmd protocol.ServerCommand) bool {
		ack, ok := cmd.(protocol.Ack)
		return ok && ack.Kind == kind
	})
	if ack := cmd.(protocol.Ack); !ack.OK {
		c.t.Fatalf("ack %+v, want ok", ack)
	}
}

func (c *testClient) waitState(kind protocol.RoomStateKind) {
	c.t.Helper()
	c.waitFor(func(cmd protocol.ServerCommand) bool {
		cs, ok := cmd.(protocol.ChangeState)
		return ok && cs.State.Kind == kind
	})
}

// createRoom creates a room and consumes the creator's own broadcast,
// leaving the stream clean.
func createRoom(c *testClient, id protocol.RoomID) {
	c.t.Helper()
	c.send(protocol.CreateRoom{ID: id})
	c.expectAck(protocol.SvCreateRoom)
	m := c.expectMessage()
	if _, ok := m.(protocol.MsgCreateRoom); !ok {
		c.t.Fatalf("got %#v, want MsgCreateRoom", m)
	}
}

func (c *testClient) authenticate(token string) protocol.AuthResponse {
	c.t.Helper()
	c.send(protocol.Authenticate{Token: token})
	cmd := c.next()
	resp, ok := cmd.(protocol.AuthResponse)
	if !ok {
		c.t.Fatalf("got %#v, want AuthResponse", cmd)
	}
	return resp
}

func (c *testClient) mustAuth(token string) {
	c.t.Helper()
	if resp := c.authenticate(token); !resp.OK {
		c.t.Fatalf("authentication failed: %q", resp.Error)
	}
}

// closed reports whether the server closed the connection within the
// deadline.
func (c *testClient) closed(deadline time.Duration) bool {
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		if _, err := protocol.ReadFrame(c.rd); err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return false
			}
			return true
		}
	}
}

func TestHappyPathCreatePlay(t *testing.T) {
	srv := newTestServer(t, nil)

	c1 := dial(t, srv)
	c1.mustAuth("t1")
	c2 := dial(t, srv)
	c2.mustAuth("t2")

	// Create: the creator's ack precedes its own broadcast.
	c1.send(protocol.CreateRoom{ID: "R1"})
	c1.expectAck(protocol.SvCreateRoom)
	if m, ok := c1.expectMessage().(protocol.MsgCreateRoom); !ok || m.User != 1 {
		t.Fatalf("expected MsgCreateRoom from user 1, got %#v", m)
	}

	// Join: joiner sees the response before the join broadcasts.
	c2.send(protocol.JoinRoom{ID: "R1"})
	join := c2.next().(protocol.JoinResponse)
	if !join.OK || len(join.Resp.Users) != 2 {
		t.Fatalf("join = %+v", join)
	}
	for _, c := range []*testClient{c1, c2} {
		oj := c.next().(protocol.OnJoinRoom)
		if oj.User.ID != 2 {
			t.Fatalf("OnJoinRoom user = %d", oj.User.ID)
		}
		if m := c.expectMessage().(protocol.MsgJoinRoom); m.User != 2 || m.Name != "B" {
			t.Fatalf("MsgJoinRoom = %+v", m)
		}
	}

	// Chart selection.
	c1.send(protocol.SelectChart{Chart: 42})
	c1.expectAck(protocol.SvSelectChart)
	for _, c := range []*testClient{c1, c2} {
		if m := c.expectMessage().(protocol.MsgSelectChart); m.Chart != 42 || m.Name != "Song" {
			t.Fatalf("MsgSelectChart = %+v", m)
		}
		cs := c.expectState(protocol.StateSelectChart)
		if cs.State.Chart == nil || *cs.State.Chart != 42 {
			t.Fatal("ChangeState must carry the selected chart")
		}
	}

	// Start.
	c1.send(protocol.RequestStart{})
	c1.expectAck(protocol.SvRequestStart)
	for _, c := range []*testClient{c1, c2} {
		c.expectMessage() // GameStart
		c.expectState(protocol.StateWaitForReady)
	}

	// Readiness: StartPlaying precedes ChangeState(Playing). Only the
	// sender's own ack order is strict; the second player's stream
	// interleaves the first player's Ready broadcast with its ack.
	c1.send(protocol.Ready{})
	c1.expectAck(protocol.SvReady)
	c2.send(protocol.Ready{})
	c2.waitAck(protocol.SvReady)
	for _, c := range []*testClient{c1, c2} {
		var sawStart bool
		for {
			m := c.expectMessage()
			if _, ok := m.(protocol.MsgStartPlaying); ok {
				sawStart = true
				break
			}
			if _, ok := m.(protocol.MsgReady); !ok {
				t.Fatalf("unexpected message %#v before StartPlaying", m)
			}
		}
		if !sawStart {
			t.Fatal("missing StartPlaying")
		}
		c.expectState(protocol.StatePlaying)
	}

	// Results: GameEnd precedes the return to SelectChart. As above,
	// the second player's ack may trail the first player's broadcast.
	c1.send(protocol.Played{Chart: 42})
	c1.expectAck(protocol.SvPlayed)
	c2.send(protocol.Played{Chart: 42})
	c2.waitAck(protocol.SvPlayed)
	for _, c := range []*testClient{c1, c2} {
		for {
			m := c.expectMessage()
			if _, ok := m.(protocol.MsgGameEnd); ok {
				break
			}
			if _, ok := m.(protocol.MsgPlayed); !ok {
				t.Fatalf("unexpected message %#v before GameEnd", m)
			}
		}
		cs := c.expectState(protocol.StateSelectChart)
		if cs.State.Chart == nil || *cs.State.Chart != 42 {
			t.Fatal("chart must survive the game end")
		}
	}
}

func TestAuthRejectedAndBanned(t *testing.T) {
	srv := newTestServer(t, nil)

	bad := dial(t, srv)
	if resp := bad.authenticate("nope"); resp.OK || resp.Error == "" {
		t.Fatalf("bad token accepted: %+v", resp)
	}
	if !bad.closed(2 * time.Second) {
		t.Fatal("session must close after a failed handshake")
	}

	banned := dial(t, srv)
	if resp := banned.authenticate("t9"); resp.OK || resp.Error != "banned" {
		t.Fatalf("banned auth = %+v", resp)
	}
	if !banned.closed(2 * time.Second) {
		t.Fatal("banned session must close")
	}
}

func TestCommandBeforeAuthKillsSession(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.send(protocol.Chat{Message: "hi"})
	if !c.closed(2 * time.Second) {
		t.Fatal("pre-auth command must kill the session")
	}
}

func TestOversizedFrameKillsSession(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.mustAuth("t1")

	// Declared length above the cap; no payload follows.
	if _, err := c.conn.Write([]byte{0x01, 0x00, 0x10, 0x00}); err != nil {
		t.Fatal(err)
	}
	if !c.closed(2 * time.Second) {
		t.Fatal("oversized frame must kill the session")
	}

	// Registry entry cleaned up within one reaper cycle.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectPreservesRoom(t *testing.T) {
	srv := newTestServer(t, nil)

	c := dial(t, srv)
	c.mustAuth("t7")
	c.send(protocol.CreateRoom{ID: "R1"})
	c.expectAck(protocol.SvCreateRoom)
	c.conn.Close()

	// Wait for the reaper to dangle the user.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("old session not reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c2 := dial(t, srv)
	resp := c2.authenticate("t7")
	if !resp.OK {
		t.Fatalf("reconnect auth failed: %q", resp.Error)
	}
	if resp.Room == nil || resp.Room.ID != "R1" {
		t.Fatalf("reconnect must carry the room snapshot, got %+v", resp.Room)
	}
	if !resp.Room.IsHost {
		t.Fatal("reconnected creator must still be host")
	}
}

func TestRebindStopsOldSession(t *testing.T) {
	srv := newTestServer(t, nil)

	old := dial(t, srv)
	old.mustAuth("t1")
	fresh := dial(t, srv)
	fresh.mustAuth("t1")

	if !old.closed(2 * time.Second) {
		t.Fatal("previous session must stop when the user rebinds")
	}
}

func TestDanglingUserCollected(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.DangleTimeout = 100 * time.Millisecond
	})

	c := dial(t, srv)
	c.mustAuth("t1")
	c.send(protocol.CreateRoom{ID: "R1"})
	c.expectAck(protocol.SvCreateRoom)
	c.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry().RoomCount() != 0 || srv.Registry().User(1) != nil {
		if time.Now().After(deadline) {
			t.Fatal("dangling user and room not collected after the grace window")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Collection leaves no phantom occupancy behind.
	if got := testutil.ToFloat64(srv.metrics.RoomOccupants); got != 0 {
		t.Fatalf("room occupants gauge = %v after collection, want 0", got)
	}
}

func TestMonitorTelemetryRouting(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Monitors = []int32{3}
	})

	host := dial(t, srv)
	host.mustAuth("t1")
	member := dial(t, srv)
	member.mustAuth("t2")
	monitor := dial(t, srv)
	monitor.mustAuth("t3")

	createRoom(host, "R1")
	member.send(protocol.JoinRoom{ID: "R1"})
	if join := member.next().(protocol.JoinResponse); !join.OK {
		t.Fatalf("member join: %+v", join)
	}
	monitor.send(protocol.JoinRoom{ID: "R1", Monitor: true})
	if join := monitor.next().(protocol.JoinResponse); !join.OK {
		t.Fatalf("monitor join: %+v", join)
	}

	host.send(protocol.SelectChart{Chart: 42})
	host.waitAck(protocol.SvSelectChart)
	host.send(protocol.RequestStart{})
	host.waitAck(protocol.SvRequestStart)
	for _, c := range []*testClient{host, member, monitor} {
		c.waitState(protocol.StateWaitForReady)
	}
	for _, c := range []*testClient{host, member, monitor} {
		c.send(protocol.Ready{})
		c.waitAck(protocol.SvReady)
	}
	for _, c := range []*testClient{host, member, monitor} {
		c.waitState(protocol.StatePlaying)
	}

	host.send(protocol.Touches{Frames: []protocol.TouchFrame{
		{Time: 1, Points: []protocol.TouchPoint{{ID: 0, Pos: protocol.NewCompactPos(0.5, 0.5)}}},
		{Time: 2},
	}})

	tb, ok := monitor.next().(protocol.TouchesBroadcast)
	if !ok || tb.Player != 1 || len(tb.Frames) != 2 {
		t.Fatalf("monitor telemetry = %#v", tb)
	}

	// The member must see nothing: probe with a Ping round trip on the
	// member's own connection, then confirm no telemetry arrived.
	member.send(protocol.Chat{Message: "probe"})
	member.expectAck(protocol.SvChat)
	if m, ok := member.expectMessage().(protocol.MsgChat); !ok || m.Content != "probe" {
		t.Fatalf("expected own chat echo, got %#v", m)
	}
}

func TestJoinRejections(t *testing.T) {
	srv := newTestServer(t, nil)

	host := dial(t, srv)
	host.mustAuth("t1")
	createRoom(host, "R1")

	other := dial(t, srv)
	other.mustAuth("t2")

	other.send(protocol.JoinRoom{ID: "nope"})
	if join := other.next().(protocol.JoinResponse); join.OK || join.Error != "no-such-room" {
		t.Fatalf("join = %+v", join)
	}

	other.send(protocol.JoinRoom{ID: "R1", Monitor: true})
	if join := other.next().(protocol.JoinResponse); join.OK || join.Error != "not-monitor" {
		t.Fatalf("join = %+v", join)
	}

	host.send(protocol.LockRoom{Lock: true})
	host.expectAck(protocol.SvLockRoom)
	other.send(protocol.JoinRoom{ID: "R1"})
	if join := other.next().(protocol.JoinResponse); join.OK || join.Error != "locked" {
		t.Fatalf("join into locked room = %+v", join)
	}
}

func TestHostOnlyCommands(t *testing.T) {
	srv := newTestServer(t, nil)

	host := dial(t, srv)
	host.mustAuth("t1")
	createRoom(host, "R1")

	member := dial(t, srv)
	member.mustAuth("t2")
	member.send(protocol.JoinRoom{ID: "R1"})
	if join := member.next().(protocol.JoinResponse); !join.OK {
		t.Fatalf("join: %+v", join)
	}
	// The joiner sees its own join broadcast; drain it.
	if _, ok := member.next().(protocol.OnJoinRoom); !ok {
		t.Fatal("missing OnJoinRoom")
	}
	member.expectMessage()

	member.send(protocol.SelectChart{Chart: 42})
	member.expectNack(protocol.SvSelectChart, "not-host")
	member.send(protocol.LockRoom{Lock: true})
	member.expectNack(protocol.SvLockRoom, "not-host")
	member.send(protocol.RequestStart{})
	member.expectNack(protocol.SvRequestStart, "not-host")
}

func TestWrongStateRejections(t *testing.T) {
	srv := newTestServer(t, nil)

	c := dial(t, srv)
	c.mustAuth("t1")

	c.send(protocol.Chat{Message: "hello"})
	c.expectNack(protocol.SvChat, "not-in-room")

	c.send(protocol.CreateRoom{ID: "R1"})
	c.expectAck(protocol.SvCreateRoom)
	c.expectMessage() // CreateRoom broadcast

	c.send(protocol.Ready{})
	c.expectNack(protocol.SvReady, "bad-state")
	c.send(protocol.Played{Chart: 42})
	c.expectNack(protocol.SvPlayed, "bad-state")
	c.send(protocol.Abort{})
	c.expectNack(protocol.SvAbort, "bad-state")
	c.send(protocol.RequestStart{})
	c.expectNack(protocol.SvRequestStart, "bad-chart")
}

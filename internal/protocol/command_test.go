package protocol

import (
	"bytes"
	"io"
	"reflect"
	"testing"
)

func chartID(id int32) *int32 { return &id }

func TestClientCommandRoundTrip(t *testing.T) {
	cmds := []ClientCommand{
		Ping{},
		Authenticate{Token: "0123456789abcdef"},
		Chat{Message: "glhf"},
		Touches{Frames: []TouchFrame{
			{Time: 1.25, Points: []TouchPoint{
				{ID: 0, Pos: NewCompactPos(0.5, -0.25)},
				{ID: 3, Pos: NewCompactPos(1, 1)},
			}},
			{Time: 1.35},
		}},
		Judges{Events: []JudgeEvent{
			{Time: 2.5, Line: 1, Note: 42, Judgement: JudgePerfect},
			{Time: 2.75, Line: 0, Note: 43, Judgement: JudgeHoldGood},
		}},
		CreateRoom{ID: "my-room_1"},
		JoinRoom{ID: "my-room_1", Monitor: true},
		LeaveRoom{},
		LockRoom{Lock: true},
		CycleRoom{Cycle: false},
		SelectChart{Chart: 1234},
		RequestStart{},
		Ready{},
		CancelReady{},
		Played{Chart: 9876},
		Abort{},
	}
	for _, cmd := range cmds {
		payload := EncodeClientCommand(cmd)
		got, err := DecodeClientCommand(payload)
		if err != nil {
			t.Fatalf("%T: %v", cmd, err)
		}
		if !reflect.DeepEqual(got, cmd) {
			t.Fatalf("%T round trip:\n got  %#v\n want %#v", cmd, got, cmd)
		}
	}
}

func TestDecodeClientCommandErrors(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"unknown discriminant", []byte{0xff}},
		{"trailing bytes", append(EncodeClientCommand(Ping{}), 0x00)},
		{"truncated authenticate", []byte{byte(ClAuthenticate), 10, 'a', 'b'}},
		{"oversized token", EncodeClientCommand(Authenticate{Token: string(make([]byte, 33))})},
		{"oversized chat", EncodeClientCommand(Chat{Message: string(bytes.Repeat([]byte{'x'}, 201))})},
		{"bad room id", EncodeClientCommand(CreateRoom{ID: "no spaces"})},
		{"touch count past payload", []byte{byte(ClTouches), 0xff, 0x01}},
	}
	for _, c := range cases {
		if _, err := DecodeClientCommand(c.payload); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestServerCommandRoundTrip(t *testing.T) {
	roomState := ClientRoomState{
		ID:     "lobby-1",
		State:  RoomState{Kind: StateSelectChart, Chart: chartID(77)},
		Live:   true,
		Locked: false,
		Cycle:  true,
		IsHost: true,
		Users: map[int32]UserInfo{
			10: {ID: 10, Name: "alice"},
			11: {ID: 11, Name: "bob", Monitor: true},
		},
	}
	cmds := []ServerCommand{
		Pong{},
		AuthResponse{OK: true, User: UserInfo{ID: 10, Name: "alice"}},
		AuthResponse{OK: true, User: UserInfo{ID: 10, Name: "alice"}, Room: &roomState},
		AuthResponse{Error: "banned"},
		OK(SvChat),
		Fail(SvCreateRoom, "room-exists"),
		OK(SvLeaveRoom),
		Fail(SvLockRoom, "not-host"),
		OK(SvCycleRoom),
		Fail(SvSelectChart, "bad-chart"),
		OK(SvRequestStart),
		Fail(SvReady, "bad-state"),
		OK(SvCancelReady),
		Fail(SvPlayed, "bad-chart"),
		OK(SvAbort),
		TouchesBroadcast{Player: 10, Frames: []TouchFrame{
			{Time: 0.5, Points: []TouchPoint{{ID: 1, Pos: NewCompactPos(0, 0.75)}}},
		}},
		JudgesBroadcast{Player: 11, Events: []JudgeEvent{
			{Time: 3, Line: 2, Note: 9, Judgement: JudgeMiss},
		}},
		ServerMessage{Message: MsgChat{User: 10, Content: "hello"}},
		ServerMessage{Message: MsgSelectChart{User: 10, Name: "alice", Chart: 77}},
		ServerMessage{Message: MsgPlayed{User: 11, Score: 951234, Accuracy: 0.987, FullCombo: true}},
		ServerMessage{Message: MsgStartPlaying{}},
		ChangeState{State: RoomState{Kind: StateWaitForReady}},
		ChangeState{State: RoomState{Kind: StateSelectChart, Chart: chartID(5)}},
		ChangeHost{IsHost: true},
		JoinResponse{OK: true, Resp: JoinRoomResponse{
			State: RoomState{Kind: StateSelectChart},
			Users: []UserInfo{{ID: 10, Name: "alice"}},
			Live:  true,
		}},
		JoinResponse{Error: "room-full"},
		OnJoinRoom{User: UserInfo{ID: 12, Name: "carol", Monitor: true}},
	}
	for _, cmd := range cmds {
		payload := EncodeServerCommand(cmd)
		got, err := DecodeServerCommand(payload)
		if err != nil {
			t.Fatalf("%T: %v", cmd, err)
		}
		if !reflect.DeepEqual(got, cmd) {
			t.Fatalf("%T round trip:\n got  %#v\n want %#v", cmd, got, cmd)
		}
	}
}

func TestEveryMessageKindRoundTrips(t *testing.T) {
	msgs := []Message{
		MsgChat{User: 1, Content: "hi"},
		MsgCreateRoom{User: 1},
		MsgJoinRoom{User: 2, Name: "bob"},
		MsgLeaveRoom{User: 2, Name: "bob"},
		MsgNewHost{User: 3},
		MsgSelectChart{User: 1, Name: "alice", Chart: 4},
		MsgGameStart{User: 1},
		MsgReady{User: 2},
		MsgCancelReady{User: 2},
		MsgCancelGame{User: 1},
		MsgStartPlaying{},
		MsgPlayed{User: 2, Score: 1000000, Accuracy: 1, FullCombo: true},
		MsgGameEnd{},
		MsgAbort{User: 3},
		MsgLockRoom{Lock: true},
		MsgCycleRoom{Cycle: true},
	}
	seen := make(map[MessageKind]bool)
	for _, m := range msgs {
		seen[m.messageKind()] = true
		payload := EncodeServerCommand(ServerMessage{Message: m})
		got, err := DecodeServerCommand(payload)
		if err != nil {
			t.Fatalf("%T: %v", m, err)
		}
		sm, ok := got.(ServerMessage)
		if !ok {
			t.Fatalf("%T decoded as %T", m, got)
		}
		if !reflect.DeepEqual(sm.Message, m) {
			t.Fatalf("%T round trip:\n got  %#v\n want %#v", m, sm.Message, m)
		}
	}
	for k := MsgKindChat; k <= MsgKindCycleRoom; k++ {
		if !seen[k] {
			t.Errorf("message kind %d not covered", k)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		EncodeClientCommand(Ping{}),
		EncodeClientCommand(Chat{Message: "two frames, one stream"}),
		{},
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got % x, want % x", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("got %v, want io.EOF at stream end", err)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x01, 0x00, 0x10, 0x00}) // 1 MiB + 1
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected size cap error")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x08, 0x00, 0x00, 0x00, 0x01, 0x02})
	if _, err := ReadFrame(&buf); err != io.ErrUnexpectedEOF {
		t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	if err := WriteFrame(io.Discard, make([]byte, MaxFrameLen+1)); err == nil {
		t.Fatal("expected size cap error")
	}
}

package protocol

import "fmt"

// ServerKind discriminates server→client commands.
type ServerKind uint8

const (
	SvPong ServerKind = iota
	SvAuthenticate
	SvChat
	SvTouches
	SvJudges
	SvMessage
	SvChangeState
	SvChangeHost
	SvCreateRoom
	SvJoinRoom
	SvOnJoinRoom
	SvLeaveRoom
	SvLockRoom
	SvCycleRoom
	SvSelectChart
	SvRequestStart
	SvReady
	SvCancelReady
	SvPlayed
	SvAbort
)

// ServerCommand is a server→client command.
type ServerCommand interface {
	ServerKind() ServerKind
}

// Pong answers a client Ping.
type Pong struct{}

// AuthResponse answers an Authenticate attempt. On success it carries
// the caller's identity and, if the user still occupies a room, a full
// room snapshot for rejoining.
type AuthResponse struct {
	OK    bool
	User  UserInfo
	Room  *ClientRoomState
	Error string
}

// Ack is the shared success/failure reply for room commands that carry
// no payload beyond an error string. Kind selects the wire
// discriminant; it must be one of the ack kinds below.
type Ack struct {
	Kind  ServerKind
	OK    bool
	Error string
}

// Fail builds a failed ack carrying an error slug.
func Fail(kind ServerKind, slug string) Ack {
	return Ack{Kind: kind, Error: slug}
}

// OK builds a successful ack.
func OK(kind ServerKind) Ack {
	return Ack{Kind: kind, OK: true}
}

// TouchesBroadcast relays a player's touch frames to room monitors.
type TouchesBroadcast struct {
	Player int32
	Frames []TouchFrame
}

// JudgesBroadcast relays a player's judgements to room monitors.
type JudgesBroadcast struct {
	Player int32
	Events []JudgeEvent
}

// ServerMessage wraps a room event broadcast.
type ServerMessage struct {
	Message Message
}

// ChangeState announces the room's new state to every occupant.
type ChangeState struct {
	State RoomState
}

// ChangeHost tells one user whether they now hold host.
type ChangeHost struct {
	IsHost bool
}

// JoinResponse answers a JoinRoom attempt.
type JoinResponse struct {
	OK    bool
	Resp  JoinRoomResponse
	Error string
}

// OnJoinRoom announces a new occupant to the existing ones.
type OnJoinRoom struct {
	User UserInfo
}

func (Pong) ServerKind() ServerKind             { return SvPong }
func (AuthResponse) ServerKind() ServerKind     { return SvAuthenticate }
func (a Ack) ServerKind() ServerKind            { return a.Kind }
func (TouchesBroadcast) ServerKind() ServerKind { return SvTouches }
func (JudgesBroadcast) ServerKind() ServerKind  { return SvJudges }
func (ServerMessage) ServerKind() ServerKind    { return SvMessage }
func (ChangeState) ServerKind() ServerKind      { return SvChangeState }
func (ChangeHost) ServerKind() ServerKind       { return SvChangeHost }
func (JoinResponse) ServerKind() ServerKind     { return SvJoinRoom }
func (OnJoinRoom) ServerKind() ServerKind       { return SvOnJoinRoom }

// EncodeServerCommand renders a server command to a frame payload.
func EncodeServerCommand(cmd ServerCommand) []byte {
	w := NewWriter()
	w.U8(uint8(cmd.ServerKind()))
	switch v := cmd.(type) {
	case Pong:
	case AuthResponse:
		w.Bool(v.OK)
		if v.OK {
			v.User.encode(w)
			if v.Room != nil {
				w.Bool(true)
				v.Room.encode(w)
			} else {
				w.Bool(false)
			}
		} else {
			w.String(v.Error)
		}
	case Ack:
		w.Bool(v.OK)
		if !v.OK {
			w.String(v.Error)
		}
	case TouchesBroadcast:
		w.I32(v.Player)
		w.ULEB(uint64(len(v.Frames)))
		for _, f := range v.Frames {
			f.encode(w)
		}
	case JudgesBroadcast:
		w.I32(v.Player)
		w.ULEB(uint64(len(v.Events)))
		for _, e := range v.Events {
			e.encode(w)
		}
	case ServerMessage:
		encodeMessage(w, v.Message)
	case ChangeState:
		v.State.encode(w)
	case ChangeHost:
		w.Bool(v.IsHost)
	case JoinResponse:
		w.Bool(v.OK)
		if v.OK {
			v.Resp.encode(w)
		} else {
			w.String(v.Error)
		}
	case OnJoinRoom:
		v.User.encode(w)
	}
	return w.Bytes()
}

// DecodeServerCommand parses one server command from a frame payload.
// The server never decodes this direction; it exists for clients and
// tests.
func DecodeServerCommand(payload []byte) (ServerCommand, error) {
	r := NewReader(payload)
	cmd, err := readServerCommand(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after command", r.Remaining())
	}
	return cmd, nil
}

func readServerCommand(r *Reader) (ServerCommand, error) {
	k, err := r.U8()
	if err != nil {
		return nil, err
	}
	kind := ServerKind(k)
	switch kind {
	case SvPong:
		return Pong{}, nil
	case SvAuthenticate:
		var resp AuthResponse
		if resp.OK, err = r.Bool(); err != nil {
			return nil, err
		}
		if !resp.OK {
			if resp.Error, err = r.String(); err != nil {
				return nil, err
			}
			return resp, nil
		}
		if resp.User, err = readUserInfo(r); err != nil {
			return nil, err
		}
		has, err := r.Bool()
		if err != nil {
			return nil, err
		}
		if has {
			cs, err := readClientRoomState(r)
			if err != nil {
				return nil, err
			}
			resp.Room = &cs
		}
		return resp, nil
	case SvChat, SvCreateRoom, SvLeaveRoom, SvLockRoom, SvCycleRoom,
		SvSelectChart, SvRequestStart, SvReady, SvCancelReady, SvPlayed, SvAbort:
		a := Ack{Kind: kind}
		if a.OK, err = r.Bool(); err != nil {
			return nil, err
		}
		if !a.OK {
			if a.Error, err = r.String(); err != nil {
				return nil, err
			}
		}
		return a, nil
	case SvTouches:
		var b TouchesBroadcast
		if b.Player, err = r.I32(); err != nil {
			return nil, err
		}
		n, err := r.ULEB()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.Remaining()) {
			return nil, ErrShortPayload
		}
		b.Frames = make([]TouchFrame, 0, n)
		for i := uint64(0); i < n; i++ {
			f, err := readTouchFrame(r)
			if err != nil {
				return nil, err
			}
			b.Frames = append(b.Frames, f)
		}
		return b, nil
	case SvJudges:
		var b JudgesBroadcast
		if b.Player, err = r.I32(); err != nil {
			return nil, err
		}
		n, err := r.ULEB()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.Remaining()) {
			return nil, ErrShortPayload
		}
		b.Events = make([]JudgeEvent, 0, n)
		for i := uint64(0); i < n; i++ {
			e, err := readJudgeEvent(r)
			if err != nil {
				return nil, err
			}
			b.Events = append(b.Events, e)
		}
		return b, nil
	case SvMessage:
		m, err := readMessage(r)
		if err != nil {
			return nil, err
		}
		return ServerMessage{Message: m}, nil
	case SvChangeState:
		st, err := ReadRoomState(r)
		if err != nil {
			return nil, err
		}
		return ChangeState{State: st}, nil
	case SvChangeHost:
		isHost, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return ChangeHost{IsHost: isHost}, nil
	case SvJoinRoom:
		var resp JoinResponse
		if resp.OK, err = r.Bool(); err != nil {
			return nil, err
		}
		if resp.OK {
			if resp.Resp, err = readJoinRoomResponse(r); err != nil {
				return nil, err
			}
		} else {
			if resp.Error, err = r.String(); err != nil {
				return nil, err
			}
		}
		return resp, nil
	case SvOnJoinRoom:
		u, err := readUserInfo(r)
		if err != nil {
			return nil, err
		}
		return OnJoinRoom{User: u}, nil
	default:
		return nil, fmt.Errorf("invalid server command discriminant %d", k)
	}
}

package protocol

import "fmt"

// Wire limits for client-supplied strings.
const (
	MaxTokenLen = 32
	MaxChatLen  = 200
)

// ClientKind discriminates client→server commands.
type ClientKind uint8

const (
	ClPing ClientKind = iota
	ClAuthenticate
	ClChat
	ClTouches
	ClJudges
	ClCreateRoom
	ClJoinRoom
	ClLeaveRoom
	ClLockRoom
	ClCycleRoom
	ClSelectChart
	ClRequestStart
	ClReady
	ClCancelReady
	ClPlayed
	ClAbort
)

// ClientCommand is a decoded client→server command.
type ClientCommand interface {
	ClientKind() ClientKind
}

type Ping struct{}
type Authenticate struct{ Token string }
type Chat struct{ Message string }
type Touches struct{ Frames []TouchFrame }
type Judges struct{ Events []JudgeEvent }
type CreateRoom struct{ ID RoomID }

type JoinRoom struct {
	ID      RoomID
	Monitor bool
}

type LeaveRoom struct{}
type LockRoom struct{ Lock bool }
type CycleRoom struct{ Cycle bool }
type SelectChart struct{ Chart int32 }
type RequestStart struct{}
type Ready struct{}
type CancelReady struct{}
type Played struct{ Chart int32 }
type Abort struct{}

func (Ping) ClientKind() ClientKind         { return ClPing }
func (Authenticate) ClientKind() ClientKind { return ClAuthenticate }
func (Chat) ClientKind() ClientKind         { return ClChat }
func (Touches) ClientKind() ClientKind      { return ClTouches }
func (Judges) ClientKind() ClientKind       { return ClJudges }
func (CreateRoom) ClientKind() ClientKind   { return ClCreateRoom }
func (JoinRoom) ClientKind() ClientKind     { return ClJoinRoom }
func (LeaveRoom) ClientKind() ClientKind    { return ClLeaveRoom }
func (LockRoom) ClientKind() ClientKind     { return ClLockRoom }
func (CycleRoom) ClientKind() ClientKind    { return ClCycleRoom }
func (SelectChart) ClientKind() ClientKind  { return ClSelectChart }
func (RequestStart) ClientKind() ClientKind { return ClRequestStart }
func (Ready) ClientKind() ClientKind        { return ClReady }
func (CancelReady) ClientKind() ClientKind  { return ClCancelReady }
func (Played) ClientKind() ClientKind       { return ClPlayed }
func (Abort) ClientKind() ClientKind        { return ClAbort }

// DecodeClientCommand parses one client command from a frame payload.
// Trailing bytes after the payload are a protocol error.
func DecodeClientCommand(payload []byte) (ClientCommand, error) {
	r := NewReader(payload)
	cmd, err := readClientCommand(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after command", r.Remaining())
	}
	return cmd, nil
}

func readClientCommand(r *Reader) (ClientCommand, error) {
	k, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch ClientKind(k) {
	case ClPing:
		return Ping{}, nil
	case ClAuthenticate:
		token, err := r.Varchar(MaxTokenLen)
		if err != nil {
			return nil, err
		}
		return Authenticate{Token: token}, nil
	case ClChat:
		msg, err := r.Varchar(MaxChatLen)
		if err != nil {
			return nil, err
		}
		return Chat{Message: msg}, nil
	case ClTouches:
		n, err := r.ULEB()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.Remaining()) {
			return nil, ErrShortPayload
		}
		frames := make([]TouchFrame, 0, n)
		for i := uint64(0); i < n; i++ {
			f, err := readTouchFrame(r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
		return Touches{Frames: frames}, nil
	case ClJudges:
		n, err := r.ULEB()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.Remaining()) {
			return nil, ErrShortPayload
		}
		events := make([]JudgeEvent, 0, n)
		for i := uint64(0); i < n; i++ {
			e, err := readJudgeEvent(r)
			if err != nil {
				return nil, err
			}
			events = append(events, e)
		}
		return Judges{Events: events}, nil
	case ClCreateRoom:
		id, err := readRoomID(r)
		if err != nil {
			return nil, err
		}
		return CreateRoom{ID: id}, nil
	case ClJoinRoom:
		id, err := readRoomID(r)
		if err != nil {
			return nil, err
		}
		monitor, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return JoinRoom{ID: id, Monitor: monitor}, nil
	case ClLeaveRoom:
		return LeaveRoom{}, nil
	case ClLockRoom:
		lock, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return LockRoom{Lock: lock}, nil
	case ClCycleRoom:
		cycle, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return CycleRoom{Cycle: cycle}, nil
	case ClSelectChart:
		id, err := r.I32()
		if err != nil {
			return nil, err
		}
		return SelectChart{Chart: id}, nil
	case ClRequestStart:
		return RequestStart{}, nil
	case ClReady:
		return Ready{}, nil
	case ClCancelReady:
		return CancelReady{}, nil
	case ClPlayed:
		id, err := r.I32()
		if err != nil {
			return nil, err
		}
		return Played{Chart: id}, nil
	case ClAbort:
		return Abort{}, nil
	default:
		return nil, fmt.Errorf("invalid client command discriminant %d", k)
	}
}

// EncodeClientCommand renders a client command to a frame payload.
// The server only decodes this direction; encoding exists for clients
// and tests.
func EncodeClientCommand(cmd ClientCommand) []byte {
	w := NewWriter()
	w.U8(uint8(cmd.ClientKind()))
	switch v := cmd.(type) {
	case Ping, LeaveRoom, RequestStart, Ready, CancelReady, Abort:
	case Authenticate:
		w.String(v.Token)
	case Chat:
		w.String(v.Message)
	case Touches:
		w.ULEB(uint64(len(v.Frames)))
		for _, f := range v.Frames {
			f.encode(w)
		}
	case Judges:
		w.ULEB(uint64(len(v.Events)))
		for _, e := range v.Events {
			e.encode(w)
		}
	case CreateRoom:
		v.ID.encode(w)
	case JoinRoom:
		v.ID.encode(w)
		w.Bool(v.Monitor)
	case LockRoom:
		w.Bool(v.Lock)
	case CycleRoom:
		w.Bool(v.Cycle)
	case SelectChart:
		w.I32(v.Chart)
	case Played:
		w.I32(v.Chart)
	}
	return w.Bytes()
}

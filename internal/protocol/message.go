package protocol

import "fmt"

// MessageKind discriminates the room broadcast subprotocol carried
// inside SvMessage commands.
type MessageKind uint8

const (
	MsgKindChat MessageKind = iota
	MsgKindCreateRoom
	MsgKindJoinRoom
	MsgKindLeaveRoom
	MsgKindNewHost
	MsgKindSelectChart
	MsgKindGameStart
	MsgKindReady
	MsgKindCancelReady
	MsgKindCancelGame
	MsgKindStartPlaying
	MsgKindPlayed
	MsgKindGameEnd
	MsgKindAbort
	MsgKindLockRoom
	MsgKindCycleRoom
)

// Message is a room-level event observed by every occupant. It is a
// tagged variant; concrete types below carry the per-kind payload.
type Message interface {
	messageKind() MessageKind
}

type MsgChat struct {
	User    int32
	Content string
}

type MsgCreateRoom struct{ User int32 }

type MsgJoinRoom struct {
	User int32
	Name string
}

type MsgLeaveRoom struct {
	User int32
	Name string
}

type MsgNewHost struct{ User int32 }

type MsgSelectChart struct {
	User  int32
	Name  string
	Chart int32
}

type MsgGameStart struct{ User int32 }
type MsgReady struct{ User int32 }
type MsgCancelReady struct{ User int32 }
type MsgCancelGame struct{ User int32 }
type MsgStartPlaying struct{}

type MsgPlayed struct {
	User      int32
	Score     int32
	Accuracy  float32
	FullCombo bool
}

type MsgGameEnd struct{}
type MsgAbort struct{ User int32 }
type MsgLockRoom struct{ Lock bool }
type MsgCycleRoom struct{ Cycle bool }

func (MsgChat) messageKind() MessageKind         { return MsgKindChat }
func (MsgCreateRoom) messageKind() MessageKind   { return MsgKindCreateRoom }
func (MsgJoinRoom) messageKind() MessageKind     { return MsgKindJoinRoom }
func (MsgLeaveRoom) messageKind() MessageKind    { return MsgKindLeaveRoom }
func (MsgNewHost) messageKind() MessageKind      { return MsgKindNewHost }
func (MsgSelectChart) messageKind() MessageKind  { return MsgKindSelectChart }
func (MsgGameStart) messageKind() MessageKind    { return MsgKindGameStart }
func (MsgReady) messageKind() MessageKind        { return MsgKindReady }
func (MsgCancelReady) messageKind() MessageKind  { return MsgKindCancelReady }
func (MsgCancelGame) messageKind() MessageKind   { return MsgKindCancelGame }
func (MsgStartPlaying) messageKind() MessageKind { return MsgKindStartPlaying }
func (MsgPlayed) messageKind() MessageKind       { return MsgKindPlayed }
func (MsgGameEnd) messageKind() MessageKind      { return MsgKindGameEnd }
func (MsgAbort) messageKind() MessageKind        { return MsgKindAbort }
func (MsgLockRoom) messageKind() MessageKind     { return MsgKindLockRoom }
func (MsgCycleRoom) messageKind() MessageKind    { return MsgKindCycleRoom }

func encodeMessage(w *Writer, m Message) {
	w.U8(uint8(m.messageKind()))
	switch v := m.(type) {
	case MsgChat:
		w.I32(v.User)
		w.String(v.Content)
	case MsgCreateRoom:
		w.I32(v.User)
	case MsgJoinRoom:
		w.I32(v.User)
		w.String(v.Name)
	case MsgLeaveRoom:
		w.I32(v.User)
		w.String(v.Name)
	case MsgNewHost:
		w.I32(v.User)
	case MsgSelectChart:
		w.I32(v.User)
		w.String(v.Name)
		w.I32(v.Chart)
	case MsgGameStart:
		w.I32(v.User)
	case MsgReady:
		w.I32(v.User)
	case MsgCancelReady:
		w.I32(v.User)
	case MsgCancelGame:
		w.I32(v.User)
	case MsgStartPlaying:
	case MsgPlayed:
		w.I32(v.User)
		w.I32(v.Score)
		w.F32(v.Accuracy)
		w.Bool(v.FullCombo)
	case MsgGameEnd:
	case MsgAbort:
		w.I32(v.User)
	case MsgLockRoom:
		w.Bool(v.Lock)
	case MsgCycleRoom:
		w.Bool(v.Cycle)
	}
}

func readMessage(r *Reader) (Message, error) {
	k, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch MessageKind(k) {
	case MsgKindChat:
		var m MsgChat
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		if m.Content, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindCreateRoom:
		var m MsgCreateRoom
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindJoinRoom:
		var m MsgJoinRoom
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindLeaveRoom:
		var m MsgLeaveRoom
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindNewHost:
		var m MsgNewHost
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindSelectChart:
		var m MsgSelectChart
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		if m.Name, err = r.String(); err != nil {
			return nil, err
		}
		if m.Chart, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindGameStart:
		var m MsgGameStart
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindReady:
		var m MsgReady
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindCancelReady:
		var m MsgCancelReady
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindCancelGame:
		var m MsgCancelGame
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindStartPlaying:
		return MsgStartPlaying{}, nil
	case MsgKindPlayed:
		var m MsgPlayed
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		if m.Score, err = r.I32(); err != nil {
			return nil, err
		}
		if m.Accuracy, err = r.F32(); err != nil {
			return nil, err
		}
		if m.FullCombo, err = r.Bool(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindGameEnd:
		return MsgGameEnd{}, nil
	case MsgKindAbort:
		var m MsgAbort
		if m.User, err = r.I32(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindLockRoom:
		var m MsgLockRoom
		if m.Lock, err = r.Bool(); err != nil {
			return nil, err
		}
		return m, nil
	case MsgKindCycleRoom:
		var m MsgCycleRoom
		if m.Cycle, err = r.Bool(); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("invalid message discriminant %d", k)
	}
}

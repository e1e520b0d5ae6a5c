package protocol

import "fmt"

// RoomMaxUsers caps playing members per room; monitors are not counted.
const RoomMaxUsers = 8

// RoomID is a 1-20 character identifier over [A-Za-z0-9_-].
type RoomID string

// ValidRoomID reports whether s satisfies the room id grammar.
func ValidRoomID(s string) bool {
	if len(s) == 0 || len(s) > 20 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func readRoomID(r *Reader) (RoomID, error) {
	s, err := r.Varchar(20)
	if err != nil {
		return "", err
	}
	if !ValidRoomID(s) {
		return "", ErrInvalidRoomID
	}
	return RoomID(s), nil
}

func (id RoomID) encode(w *Writer) {
	w.String(string(id))
}

// CompactPos is a touch position compressed to two half-floats.
type CompactPos struct {
	X uint16
	Y uint16
}

// NewCompactPos quantises a position to binary16.
func NewCompactPos(x, y float32) CompactPos {
	return CompactPos{X: F32ToF16(x), Y: F32ToF16(y)}
}

func (p CompactPos) XF32() float32 { return F16ToF32(p.X) }
func (p CompactPos) YF32() float32 { return F16ToF32(p.Y) }

func readCompactPos(r *Reader) (CompactPos, error) {
	x, err := r.U16()
	if err != nil {
		return CompactPos{}, err
	}
	y, err := r.U16()
	if err != nil {
		return CompactPos{}, err
	}
	return CompactPos{X: x, Y: y}, nil
}

func (p CompactPos) encode(w *Writer) {
	w.U16(p.X)
	w.U16(p.Y)
}

// TouchPoint pairs a pointer id with its position.
type TouchPoint struct {
	ID  int8
	Pos CompactPos
}

// TouchFrame is one timestamped batch of touch points.
type TouchFrame struct {
	Time   float32
	Points []TouchPoint
}

func readTouchFrame(r *Reader) (TouchFrame, error) {
	var f TouchFrame
	var err error
	if f.Time, err = r.F32(); err != nil {
		return f, err
	}
	n, err := r.ULEB()
	if err != nil {
		return f, err
	}
	if n > uint64(r.Remaining()) {
		return f, ErrShortPayload
	}
	if n == 0 {
		return f, nil
	}
	f.Points = make([]TouchPoint, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.I8()
		if err != nil {
			return f, err
		}
		pos, err := readCompactPos(r)
		if err != nil {
			return f, err
		}
		f.Points = append(f.Points, TouchPoint{ID: id, Pos: pos})
	}
	return f, nil
}

func (f TouchFrame) encode(w *Writer) {
	w.F32(f.Time)
	w.ULEB(uint64(len(f.Points)))
	for _, p := range f.Points {
		w.I8(p.ID)
		p.Pos.encode(w)
	}
}

// Judgement classifies a single note hit.
type Judgement uint8

const (
	JudgePerfect Judgement = iota
	JudgeGood
	JudgeBad
	JudgeMiss
	JudgeHoldPerfect
	JudgeHoldGood
)

// JudgeEvent reports one judgement at a point in chart time.
type JudgeEvent struct {
	Time      float32
	Line      uint32
	Note      uint32
	Judgement Judgement
}

func readJudgeEvent(r *Reader) (JudgeEvent, error) {
	var e JudgeEvent
	var err error
	if e.Time, err = r.F32(); err != nil {
		return e, err
	}
	if e.Line, err = r.U32(); err != nil {
		return e, err
	}
	if e.Note, err = r.U32(); err != nil {
		return e, err
	}
	j, err := r.U8()
	if err != nil {
		return e, err
	}
	if j > uint8(JudgeHoldGood) {
		return e, fmt.Errorf("invalid judgement discriminant %d", j)
	}
	e.Judgement = Judgement(j)
	return e, nil
}

func (e JudgeEvent) encode(w *Writer) {
	w.F32(e.Time)
	w.U32(e.Line)
	w.U32(e.Note)
	w.U8(uint8(e.Judgement))
}

// UserInfo is the client-visible description of a connected user.
type UserInfo struct {
	ID      int32
	Name    string
	Monitor bool
}

func readUserInfo(r *Reader) (UserInfo, error) {
	var u UserInfo
	var err error
	if u.ID, err = r.I32(); err != nil {
		return u, err
	}
	if u.Name, err = r.String(); err != nil {
		return u, err
	}
	if u.Monitor, err = r.Bool(); err != nil {
		return u, err
	}
	return u, nil
}

func (u UserInfo) encode(w *Writer) {
	w.I32(u.ID)
	w.String(u.Name)
	w.Bool(u.Monitor)
}

// Chart identifies a playable chart, as returned by the chart lookup.
type Chart struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Record is the post-play summary for one (user, chart) pair, as
// returned by the record lookup.
type Record struct {
	ID        int32   `json:"id"`
	Player    int32   `json:"player"`
	Chart     int32   `json:"chart"`
	Score     int32   `json:"score"`
	Perfect   int32   `json:"perfect"`
	Good      int32   `json:"good"`
	Bad       int32   `json:"bad"`
	Miss      int32   `json:"miss"`
	MaxCombo  int32   `json:"max_combo"`
	Accuracy  float32 `json:"accuracy"`
	FullCombo bool    `json:"full_combo"`
	StdDev    float32 `json:"std_deviation"`
	StdScore  float32 `json:"std_score"`
}

// RoomStateKind discriminates the client-facing room state.
type RoomStateKind uint8

const (
	StateSelectChart RoomStateKind = iota
	StateWaitForReady
	StatePlaying
)

// RoomState is the client-facing view of a room's state. Chart is only
// carried in SelectChart.
type RoomState struct {
	Kind  RoomStateKind
	Chart *int32
}

// SelectChartState builds a SelectChart state, with the chart id when
// one has been selected.
func SelectChartState(chart *int32) RoomState {
	return RoomState{Kind: StateSelectChart, Chart: chart}
}

func ReadRoomState(r *Reader) (RoomState, error) {
	k, err := r.U8()
	if err != nil {
		return RoomState{}, err
	}
	if k > uint8(StatePlaying) {
		return RoomState{}, fmt.Errorf("invalid room state discriminant %d", k)
	}
	st := RoomState{Kind: RoomStateKind(k)}
	if st.Kind == StateSelectChart {
		has, err := r.Bool()
		if err != nil {
			return RoomState{}, err
		}
		if has {
			id, err := r.I32()
			if err != nil {
				return RoomState{}, err
			}
			st.Chart = &id
		}
	}
	return st, nil
}

func (st RoomState) encode(w *Writer) {
	w.U8(uint8(st.Kind))
	if st.Kind == StateSelectChart {
		if st.Chart != nil {
			w.Bool(true)
			w.I32(*st.Chart)
		} else {
			w.Bool(false)
		}
	}
}

// ClientRoomState is the room snapshot delivered on (re)authentication.
type ClientRoomState struct {
	ID      RoomID
	State   RoomState
	Live    bool
	Locked  bool
	Cycle   bool
	IsHost  bool
	IsReady bool
	Users   map[int32]UserInfo
}

func readClientRoomState(r *Reader) (ClientRoomState, error) {
	var cs ClientRoomState
	var err error
	if cs.ID, err = readRoomID(r); err != nil {
		return cs, err
	}
	if cs.State, err = ReadRoomState(r); err != nil {
		return cs, err
	}
	for _, dst := range []*bool{&cs.Live, &cs.Locked, &cs.Cycle, &cs.IsHost, &cs.IsReady} {
		if *dst, err = r.Bool(); err != nil {
			return cs, err
		}
	}
	n, err := r.ULEB()
	if err != nil {
		return cs, err
	}
	if n > uint64(r.Remaining()) {
		return cs, ErrShortPayload
	}
	cs.Users = make(map[int32]UserInfo, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.I32()
		if err != nil {
			return cs, err
		}
		info, err := readUserInfo(r)
		if err != nil {
			return cs, err
		}
		cs.Users[id] = info
	}
	return cs, nil
}

func (cs ClientRoomState) encode(w *Writer) {
	cs.ID.encode(w)
	cs.State.encode(w)
	w.Bool(cs.Live)
	w.Bool(cs.Locked)
	w.Bool(cs.Cycle)
	w.Bool(cs.IsHost)
	w.Bool(cs.IsReady)
	w.ULEB(uint64(len(cs.Users)))
	for id, info := range cs.Users {
		w.I32(id)
		info.encode(w)
	}
}

// JoinRoomResponse is the payload of a successful join.
type JoinRoomResponse struct {
	State RoomState
	Users []UserInfo
	Live  bool
}

func readJoinRoomResponse(r *Reader) (JoinRoomResponse, error) {
	var resp JoinRoomResponse
	var err error
	if resp.State, err = ReadRoomState(r); err != nil {
		return resp, err
	}
	n, err := r.ULEB()
	if err != nil {
		return resp, err
	}
	if n > uint64(r.Remaining()) {
		return resp, ErrShortPayload
	}
	resp.Users = make([]UserInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		info, err := readUserInfo(r)
		if err != nil {
			return resp, err
		}
		resp.Users = append(resp.Users, info)
	}
	if resp.Live, err = r.Bool(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (resp JoinRoomResponse) encode(w *Writer) {
	resp.State.encode(w)
	w.ULEB(uint64(len(resp.Users)))
	for _, u := range resp.Users {
		u.encode(w)
	}
	w.Bool(resp.Live)
}

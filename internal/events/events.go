package events

import "time"

// Event is one lifecycle notification published to the sink. Subject
// selects the NATS subject suffix; Payload is JSON-marshalled as-is.
type Event struct {
	Subject string
	Payload any
}

// Subjects for published events. The sink prepends its configured
// prefix ("beatsync" by default).
const (
	SubjectUserAuthenticated = "user.authenticated"
	SubjectUserDisconnected  = "user.disconnected"
	SubjectRoomCreated       = "room.created"
	SubjectRoomClosed        = "room.closed"
	SubjectRoomJoined        = "room.joined"
	SubjectRoomLeft          = "room.left"
	SubjectHostChanged       = "room.host_changed"
	SubjectGameStarted       = "game.started"
	SubjectGameFinished      = "game.finished"
	SubjectPlayerResult      = "game.player_result"
)

// UserEvent describes an authentication or disconnect.
type UserEvent struct {
	UserID int32     `json:"user_id"`
	Name   string    `json:"name"`
	Time   time.Time `json:"time"`
}

// RoomEvent describes a room lifecycle change.
type RoomEvent struct {
	RoomID string    `json:"room_id"`
	UserID int32     `json:"user_id,omitempty"`
	Time   time.Time `json:"time"`
}

// GameEvent describes a game start or finish within a room.
type GameEvent struct {
	RoomID  string    `json:"room_id"`
	ChartID int32     `json:"chart_id"`
	Players []int32   `json:"players,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Time    time.Time `json:"time"`
}

// ResultEvent describes one player's uploaded play result.
type ResultEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    int32     `json:"user_id"`
	ChartID   int32     `json:"chart_id"`
	Score     int32     `json:"score"`
	Accuracy  float32   `json:"accuracy"`
	FullCombo bool      `json:"full_combo"`
	Time      time.Time `json:"time"`
}

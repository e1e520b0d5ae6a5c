package server

import (
	"strconv"

	"github.com/beatsync/server/internal/protocol"
)

// Metric label names for command kinds.

var clientKindNames = map[protocol.ClientKind]string{
	protocol.ClPing:         "ping",
	protocol.ClAuthenticate: "authenticate",
	protocol.ClChat:         "chat",
	protocol.ClTouches:      "touches",
	protocol.ClJudges:       "judges",
	protocol.ClCreateRoom:   "create_room",
	protocol.ClJoinRoom:     "join_room",
	protocol.ClLeaveRoom:    "leave_room",
	protocol.ClLockRoom:     "lock_room",
	protocol.ClCycleRoom:    "cycle_room",
	protocol.ClSelectChart:  "select_chart",
	protocol.ClRequestStart: "request_start",
	protocol.ClReady:        "ready",
	protocol.ClCancelReady:  "cancel_ready",
	protocol.ClPlayed:       "played",
	protocol.ClAbort:        "abort",
}

func clientKindName(k protocol.ClientKind) string {
	if name, ok := clientKindNames[k]; ok {
		return name
	}
	return strconv.Itoa(int(k))
}

var serverKindNames = map[protocol.ServerKind]string{
	protocol.SvPong:         "pong",
	protocol.SvAuthenticate: "authenticate",
	protocol.SvChat:         "chat",
	protocol.SvTouches:      "touches",
	protocol.SvJudges:       "judges",
	protocol.SvMessage:      "message",
	protocol.SvChangeState:  "change_state",
	protocol.SvChangeHost:   "change_host",
	protocol.SvCreateRoom:   "create_room",
	protocol.SvJoinRoom:     "join_room",
	protocol.SvOnJoinRoom:   "on_join_room",
	protocol.SvLeaveRoom:    "leave_room",
	protocol.SvLockRoom:     "lock_room",
	protocol.SvCycleRoom:    "cycle_room",
	protocol.SvSelectChart:  "select_chart",
	protocol.SvRequestStart: "request_start",
	protocol.SvReady:        "ready",
	protocol.SvCancelReady:  "cancel_ready",
	protocol.SvPlayed:       "played",
	protocol.SvAbort:        "abort",
}

func serverKindName(k protocol.ServerKind) string {
	if name, ok := serverKindNames[k]; ok {
		return name
	}
	return strconv.Itoa(int(k))
}

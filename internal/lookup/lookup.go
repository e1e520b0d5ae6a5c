// Package lookup holds the external collaborators the session server
// depends on: the HTTP identity/chart/record lookups and the ban
// queries. Everything is expressed as a small interface so tests can
// substitute in-memory fakes.
package lookup

import (
	"context"

	"github.com/beatsync/server/internal/protocol"
)

// Identity is the result of a successful token authentication.
type Identity struct {
	ID       int32  `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Authenticator resolves a client token to an identity.
type Authenticator interface {
	Auth(ctx context.Context, token string) (Identity, error)
}

// ChartLookup resolves a chart id to its metadata.
type ChartLookup interface {
	Chart(ctx context.Context, id int32) (protocol.Chart, error)
}

// RecordLookup fetches the uploaded play record for one (chart, user)
// pair.
type RecordLookup interface {
	Record(ctx context.Context, chartID, userID int32) (protocol.Record, error)
}

// BanSet answers global per-user bans, checked at authentication.
type BanSet interface {
	IsBanned(userID int32) bool
}

// RoomBanSet answers per-room bans, checked at join.
type RoomBanSet interface {
	IsBanned(userID int32, roomID protocol.RoomID) bool
}

// CommandFilter runs over every authenticated command before dispatch.
// It may rewrite the command; returning keep=false vetoes it, and the
// session processes a no-op Ping instead.
type CommandFilter interface {
	Filter(userID int32, cmd protocol.ClientCommand) (out protocol.ClientCommand, keep bool)
}

// NopFilter passes every command through unchanged.
type NopFilter struct{}

func (NopFilter) Filter(_ int32, cmd protocol.ClientCommand) (protocol.ClientCommand, bool) {
	return cmd, true
}

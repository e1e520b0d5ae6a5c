package lookup

import (
	"sync"

	"github.com/beatsync/server/internal/protocol"
)

// MemoryBanSet is an in-memory global ban list with explicit lifecycle
// methods, populated at startup and mutated by the admin surface.
type MemoryBanSet struct {
	mu     sync.RWMutex
	banned map[int32]struct{}
}

func NewMemoryBanSet(ids ...int32) *MemoryBanSet {
	b := &MemoryBanSet{banned: make(map[int32]struct{}, len(ids))}
	for _, id := range ids {
		b.banned[id] = struct{}{}
	}
	return b
}

func (b *MemoryBanSet) IsBanned(userID int32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.banned[userID]
	return ok
}

func (b *MemoryBanSet) Ban(userID int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banned[userID] = struct{}{}
}

func (b *MemoryBanSet) Unban(userID int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.banned, userID)
}

// MemoryRoomBanSet is an in-memory per-room ban list.
type MemoryRoomBanSet struct {
	mu     sync.RWMutex
	banned map[protocol.RoomID]map[int32]struct{}
}

func NewMemoryRoomBanSet() *MemoryRoomBanSet {
	return &MemoryRoomBanSet{banned: make(map[protocol.RoomID]map[int32]struct{})}
}

func (b *MemoryRoomBanSet) IsBanned(userID int32, roomID protocol.RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.banned[roomID][userID]
	return ok
}

func (b *MemoryRoomBanSet) Ban(userID int32, roomID protocol.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.banned[roomID]
	if room == nil {
		room = make(map[int32]struct{})
		b.banned[roomID] = room
	}
	room[userID] = struct{}{}
}

// DropRoom forgets every ban scoped to roomID, called when the room is
// destroyed.
func (b *MemoryRoomBanSet) DropRoom(roomID protocol.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.banned, roomID)
}

package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/domain"
)

// Registry is the process-wide room table. It only guards the map; all
// membership state lives behind each room's own lock (arena-per-room), so
// traffic in one room never contends with another.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*Room)}
}

func (reg *Registry) GetOrCreate(id domain.RoomID) *Room {
	reg.mu.RLock()
	room, ok := reg.rooms[id]
	reg.mu.RUnlock()
	if ok {
		return room
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok = reg.rooms[id]; !ok {
		room = newRoom(id)
		reg.rooms[id] = room
		metricRooms.Inc()
		log.Info().Str("module", "relay").Str("room", string(id)).Msg("room created")
	}
	return room
}

func (reg *Registry) Get(id domain.RoomID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// Leave removes the member from its room and garbage-collects the room
// once the last member is gone.
func (reg *Registry) Leave(id domain.RoomID, userID domain.UserID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		return
	}
	if room.Leave(userID) {
		delete(reg.rooms, id)
		metricRooms.Dec()
		log.Info().Str("module", "relay").Str("room", string(id)).Msg("room discarded")
	}
}

func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/protocol"
)

// sender is what a room needs from a member's transport. *client satisfies
// it; tests swap in fakes.
type sender interface {
	TrySend([]byte) error
	Close()
}

type member struct {
	meta domain.Member
	conn sender
}

// Room owns one room's membership and all fan-out for it. Every mutation
// and every broadcast enumeration runs under the same mutex, so a
// broadcast always observes a consistent member set. Join order is
// preserved: room_state roster order is identical for every member.
type Room struct {
	id domain.RoomID

	mu     sync.Mutex
	order  []*member
	byUser map[domain.UserID]*member
}

func newRoom(id domain.RoomID) *Room {
	return &Room{
		id:     id,
		byUser: make(map[domain.UserID]*member),
	}
}

// Join registers the member, sends it the full roster (including itself)
// and then announces it to everyone else. The roster is enqueued to the
// joiner strictly before user_joined is enqueued anywhere, which is what
// makes the joiner the offering side for every pre-existing member.
func (r *Room) Join(meta domain.Member, conn sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A reconnect can race the cleanup of the previous channel; supplant
	// the old entry so the roster never holds two members with one id.
	if old, ok := r.byUser[meta.UserID]; ok {
		r.removeLocked(meta.UserID)
		old.conn.Close()
		r.broadcastLocked(&protocol.Message{Type: protocol.TypeUserLeft, UserID: meta.UserID}, meta.UserID)
		log.Warn().Str("module", "relay").Str("room", string(r.id)).
			Str("user", string(meta.UserID)).Msg("supplanted stale member")
	}

	m := &member{meta: meta, conn: conn}
	r.order = append(r.order, m)
	r.byUser[meta.UserID] = m
	metricMembers.Inc()

	r.sendLocked(m, &protocol.Message{
		Type:         protocol.TypeRoomState,
		Participants: r.rosterLocked(),
	})
	r.broadcastLocked(&protocol.Message{
		Type:    protocol.TypeUserJoined,
		UserID:  meta.UserID,
		Profile: &m.meta.Profile,
	}, meta.UserID)

	log.Info().Str("module", "relay").Str("room", string(r.id)).
		Str("user", string(meta.UserID)).Int("members", len(r.order)).Msg("member joined")
}

// Leave removes the member and announces user_left to the remaining ones.
// It reports whether the room is now empty.
func (r *Room) Leave(userID domain.UserID) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[userID]; !ok {
		return len(r.order) == 0
	}
	r.removeLocked(userID)
	r.broadcastLocked(&protocol.Message{Type: protocol.TypeUserLeft, UserID: userID}, userID)

	log.Info().Str("module", "relay").Str("room", string(r.id)).
		Str("user", string(userID)).Int("members", len(r.order)).Msg("member left")
	return len(r.order) == 0
}

// Route delivers a target-addressed message to exactly one member. A miss
// means the target raced a leave; the message is dropped and counted.
func (r *Room) Route(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byUser[msg.TargetUserID]
	if !ok {
		metricRouteMiss.Inc()
		log.Debug().Str("module", "relay").Str("room", string(r.id)).
			Str("type", msg.Type).Str("target", string(msg.TargetUserID)).Msg("route miss")
		return
	}
	r.sendLocked(target, msg)
}

// Broadcast fans a message out to every member except the originator.
func (r *Room) Broadcast(msg *protocol.Message, except domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(msg, except)
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Room) Roster() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []domain.Member {
	out := make([]domain.Member, 0, len(r.order))
	for _, m := range r.order {
		out = append(out, m.meta)
	}
	return out
}

func (r *Room) removeLocked(userID domain.UserID) {
	delete(r.byUser, userID)
	for i, m := range r.order {
		if m.meta.UserID == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metricMembers.Dec()
}

func (r *Room) broadcastLocked(msg *protocol.Message, except domain.UserID) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("broadcast encode")
		return
	}
	for _, m := range r.order {
		if m.meta.UserID == except {
			continue
		}
		r.deliverLocked(m, data)
	}
}

func (r *Room) sendLocked(m *member, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("send encode")
		return
	}
	r.deliverLocked(m, data)
}

// deliverLocked applies the disconnect-on-overflow policy: a member whose
// buffer is full gets its transport closed, which unwinds through its
// readPump into a normal leave.
func (r *Room) deliverLocked(m *member, data []byte) {
	if err := m.conn.TrySend(data); err != nil {
		metricBackpressureKicks.Inc()
		log.Warn().Str("module", "relay").Str("room", string(r.id)).
			Str("user", string(m.meta.UserID)).Msg("send overflow, disconnecting member")
		m.conn.Close()
	}
}

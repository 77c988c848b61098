package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/config"
	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const joinWait = 10 * time.Second

// Controller owns the websocket side of the relay: one HandleSignal call
// per member connection at /ws/:room_id/:user_id.
type Controller struct {
	Rooms *Registry
	Cfg   *config.Config
}

func NewController(rooms *Registry, cfg *config.Config) *Controller {
	return &Controller{Rooms: rooms, Cfg: cfg}
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	roomID, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := domain.ParseUserID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "relay").Str("room", string(roomID)).
		Str("user", string(userID)).Msg("new signaling connection")

	pongWait := ctl.Cfg.PingPeriod * 10 / 9
	ws.SetReadLimit(ctl.Cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn := newClient(ws, ctl.Cfg.SendBuffer)
	go conn.writePump(ctl.Cfg.PingPeriod)

	ctl.readPump(ctx, roomID, userID, conn)
}

// readPump is the single reader of a member's inbound channel. Membership
// begins on the first valid join message and ends when this returns.
func (ctl *Controller) readPump(ctx context.Context, roomID domain.RoomID, userID domain.UserID, conn *client) {
	defer conn.Close()

	msg, err := ctl.readMessage(conn)
	if err != nil || msg.Type != protocol.TypeJoin {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(userID)).
			Msg("expected join as first message")
		return
	}
	meta := domain.Member{UserID: userID, Profile: msg.Profile.WithDefaults()}
	room := ctl.Rooms.GetOrCreate(roomID)
	room.Join(meta, conn)
	defer ctl.Rooms.Leave(roomID, userID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			log.Info().Str("module", "relay").Str("user", string(userID)).Msg("signaling channel closed")
			return
		}
		msg, err := decodeValid(data)
		if err != nil {
			// Malformed traffic is dropped, not fatal to the member.
			log.Warn().Err(err).Str("module", "relay").Str("user", string(userID)).Msg("bad signaling message")
			continue
		}
		ctl.dispatch(room, userID, msg)
	}
}

func (ctl *Controller) readMessage(conn *client) (*protocol.Message, error) {
	_, data, err := conn.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decodeValid(data)
}

func decodeValid(data []byte) (*protocol.Message, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metricInvalid.Inc()
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		metricInvalid.Inc()
		return nil, err
	}
	return msg, nil
}

func (ctl *Controller) dispatch(room *Room, from domain.UserID, msg *protocol.Message) {
	metricRelayed.WithLabelValues(msg.Type).Inc()

	switch {
	case msg.Targeted():
		msg.FromUserID = from
		room.Route(msg)
	case msg.Type == protocol.TypeSpeaking:
		msg.UserID = from
		room.Broadcast(msg, from)
	case msg.Type == protocol.TypeJoin:
		// Already a member; a second join is a client bug, not a protocol event.
		log.Warn().Str("module", "relay").Str("user", string(from)).Msg("duplicate join ignored")
	}
}

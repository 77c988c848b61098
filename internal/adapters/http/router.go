package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ndenisov/meshcall/internal/config"
	"github.com/ndenisov/meshcall/internal/domain"
	"github.com/ndenisov/meshcall/internal/ice"
	"github.com/ndenisov/meshcall/internal/relay"
)

func SetupRouter(ctx context.Context, cfg *config.Config, rooms *relay.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := relay.NewController(rooms, cfg)
	iceDoc := ice.FromConfig(cfg.ICE)

	r.GET("/ws/:room_id/:user_id", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/ice-config", func(c *gin.Context) {
		c.JSON(http.StatusOK, iceDoc)
	})
	api.POST("/room/:room_id/participants/notify", notifyHandler(rooms))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

// notifyHandler is the best-effort side channel: it reports the current
// roster back to the caller and logs the request. It takes no part in
// negotiation and may fail without affecting the room.
func notifyHandler(rooms *relay.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID, err := domain.ParseRoomID(c.Param("room_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
			return
		}
		room, ok := rooms.Get(roomID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "room not found"})
			return
		}
		userID := c.Query("user_id")
		roster := room.Roster()
		log.Info().Str("module", "adapters.http").Str("room", string(roomID)).
			Str("requested_by", userID).Int("participants", len(roster)).Msg("participants notify")

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": fmt.Sprintf("%d participant(s) in room %s", len(roster), roomID),
		})
	}
}

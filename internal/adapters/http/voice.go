package http

import (
	"context"
	"net/http"

	"github.com/dkeye/cordis/internal/adapters/ws"
	"github.com/dkeye/cordis/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RoomLister is the read side of the voice room registry.
type RoomLister interface {
	List() []domain.RoomInfo
}

type VoiceDeps struct {
	Mode   string
	Signal Server
	Rooms  RoomLister
	WS     ws.Options
	Health HealthCheck
}

func SetupVoiceRouter(ctx context.Context, deps VoiceDeps) *gin.Engine {
	r := newEngine(deps.Mode)
	r.GET("/healthz", healthz(deps.Health))

	r.GET("/rtc/v1/ws", func(c *gin.Context) {
		serveWS(ctx, c, deps.Signal, deps.WS, "signal.ws")
	})

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": deps.Rooms.List()})
	})

	log.Info().Str("module", "adapters.http").Msg("voice router setup")
	return r
}

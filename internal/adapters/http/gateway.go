package http

import (
	"context"

	"github.com/dkeye/cordis/internal/adapters/ws"
	"github.com/dkeye/cordis/internal/app/gateway"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type GatewayDeps struct {
	Mode      string
	Gateway   Server
	Publisher Publisher
	// PublishSecret signs internal publish requests. The endpoint is not
	// mounted when it is empty.
	PublishSecret string
	WS            ws.Options
	Health        HealthCheck
}

func SetupGatewayRouter(ctx context.Context, deps GatewayDeps) *gin.Engine {
	r := newEngine(deps.Mode)
	r.GET("/healthz", healthz(deps.Health))

	r.GET("/gateway", func(c *gin.Context) {
		serveWS(ctx, c, deps.Gateway, deps.WS, "gateway.ws")
	})

	if deps.PublishSecret != "" && deps.Publisher != nil {
		internal := r.Group("/internal/v1")
		internal.POST("/publish", publishHandler(deps.Publisher, []byte(deps.PublishSecret)))
	} else {
		log.Warn().Str("module", "adapters.http").Msg("publish secret not set, internal publish disabled")
	}

	log.Info().Str("module", "adapters.http").Msg("gateway router setup")
	return r
}

var _ Publisher = (*gateway.Bridge)(nil)

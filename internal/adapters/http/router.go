// Package http exposes the gateway and voice processes over gin.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/cordis/internal/adapters/ws"
	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Server runs one protocol session over a websocket connection until it
// ends. Both the gateway and the signaling controller satisfy it.
type Server interface {
	Serve(ctx context.Context, conn core.SignalConnection, inbound <-chan []byte)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

func healthz(check HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// serveWS upgrades the request and blocks until srv is done with the
// connection. ctx is the server lifetime, not the request.
func serveWS(ctx context.Context, c *gin.Context, srv Server, opts ws.Options, module string) {
	logger := log.With().Str("module", module).Str("remote", c.ClientIP()).Logger()
	conn, err := ws.Upgrade(c.Writer, c.Request, opts, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	go conn.WritePump(ctx)
	inbound := conn.ReadPump(ctx)
	srv.Serve(ctx, conn, inbound)
}

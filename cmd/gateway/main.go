package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/cordis/internal/adapters/auth"
	"github.com/dkeye/cordis/internal/adapters/broker"
	router "github.com/dkeye/cordis/internal/adapters/http"
	"github.com/dkeye/cordis/internal/adapters/presence"
	"github.com/dkeye/cordis/internal/adapters/redisconn"
	"github.com/dkeye/cordis/internal/adapters/store"
	"github.com/dkeye/cordis/internal/adapters/ws"
	"github.com/dkeye/cordis/internal/app/gateway"
	"github.com/dkeye/cordis/internal/config"
	"github.com/dkeye/cordis/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
	log.Info().Msg("Gateway exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	rdb, err := redisconn.Dial(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	brk, err := openBroker(cfg, rdb)
	if err != nil {
		return err
	}
	defer brk.Close()

	pg, err := store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.AccessSecret, auth.NewRedisRevocations(rdb))
	if err != nil {
		return err
	}
	bridge := gateway.NewBridge(gateway.NewRegistry(), brk, gateway.SimplePolicy{})
	gw := gateway.New(gateway.Options{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Gateway.HeartbeatTimeout,
		HeartbeatCheck:    cfg.Gateway.HeartbeatCheck,
		IdentifyTimeout:   cfg.Gateway.IdentifyTimeout,
	}, verifier, pg, presence.NewRedisStore(rdb, cfg.Gateway.PresenceTTL), bridge)

	// Sessions get their own context so shutdown can drain HTTP first.
	sessCtx, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()

	r := router.SetupGatewayRouter(sessCtx, router.GatewayDeps{
		Mode:          cfg.Mode,
		Gateway:       gw,
		Publisher:     bridge,
		PublishSecret: cfg.Gateway.PublishSecret,
		WS:            ws.Options{SendBuffer: cfg.Gateway.SendBuffer, ReadLimit: cfg.Gateway.ReadLimit},
		Health: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		stopSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openBroker(cfg *config.Config, rdb *redis.Client) (core.Broker, error) {
	switch cfg.Broker.Kind {
	case "nats":
		return broker.DialNATS(cfg.NATS)
	case "memory":
		log.Warn().Msg("in-memory broker: events stay on this node")
		return broker.NewMemory(), nil
	default:
		return broker.NewRedis(rdb), nil
	}
}
